package queue

import (
	"encoding/json"
	"time"

	"github.com/kilnworks/kiln/errors"
)

// Envelope is the unit that travels through the broker. The payload is
// opaque to the queue; runners decode it by job type.
type Envelope struct {
	Handle      string          `json:"handle"`
	Queue       string          `json:"queue"`
	JobID       string          `json:"job_id"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Encode serializes the envelope for a Redis list or zset member.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode envelope")
	}
	return string(data), nil
}

// DecodeEnvelope parses a broker entry back into an envelope.
func DecodeEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode envelope")
	}
	if env.Handle == "" || env.JobID == "" {
		return nil, errors.New("envelope missing handle or job id")
	}
	return &env, nil
}

// retry returns the envelope for the next attempt.
func (e *Envelope) retry() *Envelope {
	next := *e
	next.Attempt = e.Attempt + 1
	return &next
}

// Backoff returns the delay before redispatching after the given attempt
// failed: 2s after the first, doubling per attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return BackoffBase << (attempt - 1)
}
