package store

import (
	"time"

	"github.com/kilnworks/kiln/errors"
)

// Audit outcomes.
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)

// AuditEntry is one post-terminal receipt. Entries are append-only; the
// write-once terminal transition upstream guarantees at most one success
// entry per job.
type AuditEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendAudit records a receipt for a terminal transition.
func (s *Store) AppendAudit(e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT INTO audit_log (job_id, user_id, action, outcome, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.JobID, e.UserID, e.Action, e.Outcome, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAuditByJob returns a job's receipts in insertion order.
func (s *Store) ListAuditByJob(jobID string) ([]*AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, user_id, action, outcome, detail, created_at FROM audit_log WHERE job_id = ? ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.UserID, &e.Action, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating audit entries")
	}

	return entries, nil
}
