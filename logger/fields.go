package logger

// Standard field names for consistent structured logging across kiln.
// Use these constants instead of raw strings so logs stay queryable.
const (
	FieldJobID     = "job_id"
	FieldUserID    = "user_id"
	FieldProjectID = "project_id"
	FieldQueue     = "queue"
	FieldHandle    = "handle"
	FieldWorkerID  = "worker_id"
	FieldAttempt   = "attempt"
	FieldJobType   = "job_type"
	FieldStatus    = "status"
	FieldBackend   = "backend"
	FieldNetwork   = "network"
	FieldComponent = "component"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)
