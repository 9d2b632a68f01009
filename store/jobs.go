package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
)

// Store handles persistence of jobs, users, projects, and audit entries.
type Store struct {
	db *sql.DB
}

// New creates a store backed by an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `id, type, status, owner_id, project_id, broker_handle, result, error, logs, log_count, created_at, updated_at`

// CreateJob inserts a new job row. A duplicate broker handle reports
// ErrConflict so ingress surfaces the collision instead of enqueueing twice.
func (s *Store) CreateJob(job *Job) error {
	logsJSON, err := json.Marshal(job.Logs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal logs")
	}

	result := sql.NullString{String: string(job.Result), Valid: len(job.Result) > 0}
	jobErr := sql.NullString{String: job.Error, Valid: job.Error != ""}

	_, err = s.db.Exec(
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		job.Status,
		job.OwnerID,
		job.ProjectID,
		job.BrokerHandle,
		result,
		jobErr,
		string(logsJSON),
		job.LogCount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "job with handle %s already exists", job.BrokerHandle), errors.ErrConflict)
		}
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("job not found: %s", id), errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// MarkActive transitions queued → active. Redeliveries arrive after the row
// is already active or terminal; those are no-ops, not errors.
func (s *Store) MarkActive(id string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobStatusActive, time.Now().UTC(), id, JobStatusQueued,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark job active")
	}
	return nil
}

// AppendLogs replaces the stored tail with the last TailLimit records of the
// emitted stream. MAX keeps log_count monotone when a redelivered attempt
// replays a shorter stream than a previous one persisted.
func (s *Store) AppendLogs(id string, logs []joblog.Record, total int) error {
	tailJSON, err := json.Marshal(joblog.Tail(logs, joblog.TailLimit))
	if err != nil {
		return errors.Wrap(err, "failed to marshal logs")
	}

	_, err = s.db.Exec(
		`UPDATE jobs SET logs = ?, log_count = MAX(log_count, ?), updated_at = ? WHERE id = ?`,
		string(tailJSON), total, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append logs")
	}
	return nil
}

// CompleteJob records the success outcome. The guarded UPDATE makes the
// transition write-once: a row that already reached a terminal status is left
// untouched and the recorded outcome is returned with applied=false. That
// single write is what makes at-least-once dispatch safe to re-run.
func (s *Store) CompleteJob(id string, result json.RawMessage) (*Job, bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, result = ?, error = NULL, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		JobStatusCompleted, string(result), time.Now().UTC(), id, JobStatusQueued, JobStatusActive,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to complete job")
	}

	return s.afterTerminalWrite(id, res)
}

// FailJob records the failure outcome, optionally persisting the final log
// tail in the same write. Write-once like CompleteJob.
func (s *Store) FailJob(id string, errMsg string, logs []joblog.Record, total int) (*Job, bool, error) {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if logs != nil {
		var tailJSON []byte
		tailJSON, err = json.Marshal(joblog.Tail(logs, joblog.TailLimit))
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to marshal logs")
		}
		res, err = s.db.Exec(
			`UPDATE jobs SET status = ?, error = ?, logs = ?, log_count = MAX(log_count, ?), updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			JobStatusFailed, errMsg, string(tailJSON), total, now, id, JobStatusQueued, JobStatusActive,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			JobStatusFailed, errMsg, now, id, JobStatusQueued, JobStatusActive,
		)
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to fail job")
	}

	return s.afterTerminalWrite(id, res)
}

// afterTerminalWrite reloads the row and reports whether the guarded UPDATE
// performed the transition.
func (s *Store) afterTerminalWrite(id string, res sql.Result) (*Job, bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get rows affected")
	}

	job, err := s.GetJob(id)
	if err != nil {
		return nil, false, err
	}

	return job, rows == 1, nil
}

// JobFilter narrows ListJobs. Zero values mean no constraint on that field.
type JobFilter struct {
	OwnerID   string
	ProjectID string
	Status    JobStatus
	Type      JobType
	Limit     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(f JobFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// CountJobsByStatus returns the number of jobs per status across all tenants.
func (s *Store) CountJobsByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*Job, error) {
	var job Job
	var result, jobErr sql.NullString
	var logsJSON string

	err := sc.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.OwnerID,
		&job.ProjectID,
		&job.BrokerHandle,
		&result,
		&jobErr,
		&logsJSON,
		&job.LogCount,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = jobErr.String

	if err := json.Unmarshal([]byte(logsJSON), &job.Logs); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal logs")
	}

	return &job, nil
}

// isUniqueViolation matches the driver's constraint error; the string check
// covers errors that arrive already flattened.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
