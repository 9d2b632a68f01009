// Package joblog defines the log records that flow from toolchain runners
// through the job store and the pub/sub bus to subscribed clients.
package joblog

import (
	"strings"
	"time"
)

// Kind classifies a single log record.
type Kind string

const (
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindSuccess Kind = "success"
	KindDebug   Kind = "debug"
)

// TailLimit is the maximum number of records the job store persists per job.
// Earlier records are considered lost from the store; clients that need the
// full stream read it live from the bus.
const TailLimit = 500

// Record is one log line: what happened, how severe, and when.
type Record struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a record stamped with the current time.
func New(kind Kind, message string) Record {
	return Record{Kind: kind, Message: message, Timestamp: time.Now().UTC()}
}

// EmitFunc receives records as a runner produces them. Implementations must
// be safe to call from the goroutines that scan subprocess stdio.
type EmitFunc func(Record)

// Classify maps a raw toolchain output line onto a record kind by keyword.
// The match is heuristic: a user-provided string containing "error" will be
// classified as an error. Order matters; error outranks warning outranks
// progress words.
func Classify(line string) Kind {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		return KindError
	case strings.Contains(lower, "warning"):
		return KindWarning
	case strings.Contains(lower, "success") || strings.Contains(lower, "deployed") ||
		strings.Contains(lower, "✅"):
		return KindSuccess
	case strings.Contains(lower, "compiling") || strings.Contains(lower, "building") ||
		strings.Contains(lower, "finished") || strings.Contains(lower, "downloading"):
		return KindInfo
	default:
		return KindInfo
	}
}

// ClassifyLine builds a record for a raw toolchain line.
func ClassifyLine(line string) Record {
	return New(Classify(line), line)
}

// Tail returns the last limit records of logs. The returned slice aliases
// the input; callers that mutate must copy.
func Tail(logs []Record, limit int) []Record {
	if limit <= 0 || len(logs) <= limit {
		return logs
	}
	return logs[len(logs)-limit:]
}
