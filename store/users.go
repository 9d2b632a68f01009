package store

import (
	"database/sql"
	"time"

	"github.com/kilnworks/kiln/errors"
)

// Tier is a user's subscription level. Tiers only differ in quota limits.
type Tier string

const (
	TierFree Tier = "free"
	TierMid  Tier = "tier_mid"
	TierTop  Tier = "tier_top"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierMid || t == TierTop
}

// UnboundedLimit marks a counter without a cap.
const UnboundedLimit = -1

// Counter is a rolling 30-day usage window. Count resets when the window
// expires; the reset is performed lazily on the next admission check.
type Counter struct {
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Unbounded reports whether the counter has no cap.
func (c Counter) Unbounded() bool {
	return c.Limit == UnboundedLimit
}

// User is a tenant. Compile usage is never counted; deploys and function
// tests are metered per tier.
type User struct {
	ID           string    `json:"id"`
	Tier         Tier      `json:"tier"`
	Deploy       Counter   `json:"deploy_counter"`
	FunctionTest Counter   `json:"function_test_counter"`
	CreatedAt    time.Time `json:"created_at"`
}

// TierLimits returns the deploy and function-test caps for a tier.
func TierLimits(t Tier) (deployLimit, ftestLimit int) {
	switch t {
	case TierMid:
		return UnboundedLimit, 5
	case TierTop:
		return UnboundedLimit, UnboundedLimit
	default:
		return 5, 2
	}
}

const userColumns = `id, tier, deploy_count, deploy_limit, deploy_reset_at, ftest_count, ftest_limit, ftest_reset_at, created_at`

// CreateUser inserts a tenant with counters initialized from the tier table.
// The API key is stored only as its digest.
func (s *Store) CreateUser(id string, tier Tier, apiKey string) (*User, error) {
	if !tier.Valid() {
		return nil, errors.Mark(errors.Newf("unknown tier: %s", tier), errors.ErrInvalidRequest)
	}

	deployLimit, ftestLimit := TierLimits(tier)
	now := time.Now().UTC()

	user := &User{
		ID:           id,
		Tier:         tier,
		Deploy:       Counter{Count: 0, Limit: deployLimit, ResetAt: now},
		FunctionTest: Counter{Count: 0, Limit: ftestLimit, ResetAt: now},
		CreatedAt:    now,
	}

	_, err := s.db.Exec(
		`INSERT INTO users (id, api_key_hash, tier, deploy_count, deploy_limit, deploy_reset_at, ftest_count, ftest_limit, ftest_reset_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		HashAPIKey(apiKey),
		user.Tier,
		user.Deploy.Count,
		user.Deploy.Limit,
		user.Deploy.ResetAt,
		user.FunctionTest.Count,
		user.FunctionTest.Limit,
		user.FunctionTest.ResetAt,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Mark(errors.Wrapf(err, "user %s already exists", id), errors.ErrConflict)
		}
		return nil, errors.Wrap(err, "failed to create user")
	}

	return user, nil
}

// GetUser retrieves a tenant by ID.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("user not found: %s", id), errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}

	return user, nil
}

// GetUserByAPIKey resolves a presented key to its tenant. Lookup is by
// digest so the table never holds usable credentials.
func (s *Store) GetUserByAPIKey(apiKey string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE api_key_hash = ?`, HashAPIKey(apiKey))

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.New("unknown API key"), errors.ErrUnauthorized)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve API key")
	}

	return user, nil
}

// ListUsers returns all tenants, oldest first.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating users")
	}

	return users, nil
}

// SaveCounters persists both quota counters for a user. The quota gate calls
// this after a lazy window reset so the zeroed state survives restarts.
func (s *Store) SaveCounters(user *User) error {
	_, err := s.db.Exec(
		`UPDATE users SET deploy_count = ?, deploy_reset_at = ?, ftest_count = ?, ftest_reset_at = ? WHERE id = ?`,
		user.Deploy.Count,
		user.Deploy.ResetAt,
		user.FunctionTest.Count,
		user.FunctionTest.ResetAt,
		user.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save counters")
	}
	return nil
}

// IncrementDeployCounter adds one deployment to the user's window. Called
// only after a terminal success transition, never at admission.
func (s *Store) IncrementDeployCounter(userID string) error {
	_, err := s.db.Exec(`UPDATE users SET deploy_count = deploy_count + 1 WHERE id = ?`, userID)
	if err != nil {
		return errors.Wrap(err, "failed to increment deploy counter")
	}
	return nil
}

// IncrementFunctionTestCounter adds one function test to the user's window.
func (s *Store) IncrementFunctionTestCounter(userID string) error {
	_, err := s.db.Exec(`UPDATE users SET ftest_count = ftest_count + 1 WHERE id = ?`, userID)
	if err != nil {
		return errors.Wrap(err, "failed to increment function test counter")
	}
	return nil
}

func scanUser(sc scanner) (*User, error) {
	var user User
	err := sc.Scan(
		&user.ID,
		&user.Tier,
		&user.Deploy.Count,
		&user.Deploy.Limit,
		&user.Deploy.ResetAt,
		&user.FunctionTest.Count,
		&user.FunctionTest.Limit,
		&user.FunctionTest.ResetAt,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Project is an owned file bundle. The orchestrator only checks ownership;
// project contents arrive with each compile request.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateProject inserts a project owned by an existing user.
func (s *Store) CreateProject(p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO projects (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "project %s already exists", p.ID), errors.ErrConflict)
		}
		return errors.Wrap(err, "failed to create project")
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(
		`SELECT id, owner_id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("project not found: %s", id), errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get project")
	}
	return &p, nil
}
