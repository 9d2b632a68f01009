// Package store persists jobs, users, projects, and the audit trail.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/kiln/joblog"
)

// JobType selects which runner a job is dispatched to.
type JobType string

const (
	JobTypeCompile JobType = "compile"
	JobTypeDeploy  JobType = "deploy"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeCompile || t == JobTypeDeploy
}

// JobStatus is the lifecycle state of a job. Status is monotone except that
// a broker redelivery may re-enter active before the terminal write lands.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal rows are write-once.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValidStatus returns true if the status string is a valid JobStatus.
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusActive, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Job is the record of one compile or deploy request. The logs field holds
// only a bounded tail; LogCount keeps the true number of records emitted.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	OwnerID      string          `json:"owner_id"`
	ProjectID    string          `json:"project_id"`
	BrokerHandle string          `json:"broker_handle"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Logs         []joblog.Record `json:"logs"`
	LogCount     int             `json:"log_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJob allocates a queued job. The broker handle is derived from the id so
// queue entries and store rows correlate without a lookup.
func NewJob(jobType JobType, ownerID, projectID string) *Job {
	id := uuid.NewString()
	now := time.Now().UTC()
	return &Job{
		ID:           id,
		Type:         jobType,
		Status:       JobStatusQueued,
		OwnerID:      ownerID,
		ProjectID:    projectID,
		BrokerHandle: string(jobType) + "-" + id,
		Logs:         []joblog.Record{joblog.New(joblog.KindInfo, seedMessage(jobType))},
		LogCount:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func seedMessage(t JobType) string {
	if t == JobTypeDeploy {
		return "Deployment queued"
	}
	return "Compilation queued"
}
