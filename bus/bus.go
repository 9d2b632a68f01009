// Package bus carries live job events between workers and API replicas.
//
// Delivery is best-effort fire-and-forget over Redis pub/sub: late
// subscribers see nothing older than their subscription, and slow consumers
// lose events. Durable state lives in the store; the snapshot served on
// socket subscribe covers catch-up.
package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
)

const (
	logChannelPrefix    = "job:log:"
	statusChannelPrefix = "job:status:"
)

// LogChannel names the per-job log channel.
func LogChannel(jobID string) string {
	return logChannelPrefix + jobID
}

// StatusChannel names the per-job status channel.
func StatusChannel(jobID string) string {
	return statusChannelPrefix + jobID
}

// EventKind discriminates decoded bus events.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
)

// Event is one decoded bus message.
type Event struct {
	Kind   EventKind
	JobID  string
	Log    *joblog.Record
	Status string
	Result json.RawMessage
}

// Wire shapes. Messages are self-contained so consumers never need the
// channel name to interpret them.
type logMessage struct {
	JobID string        `json:"job_id"`
	Log   joblog.Record `json:"log"`
}

type statusMessage struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Bus publishes and subscribes job events.
type Bus struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

// New creates a bus on an existing Redis client.
func New(rdb *redis.Client, log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = logger.Logger
	}
	return &Bus{rdb: rdb, log: log}
}

// PublishLog emits one log record on the job's log channel.
func (b *Bus) PublishLog(ctx context.Context, jobID string, rec joblog.Record) error {
	payload, err := json.Marshal(logMessage{JobID: jobID, Log: rec})
	if err != nil {
		return errors.Wrap(err, "failed to encode log event")
	}
	if err := b.rdb.Publish(ctx, LogChannel(jobID), payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish log event")
	}
	return nil
}

// PublishStatus emits a status transition, with the result attached on
// terminal success.
func (b *Bus) PublishStatus(ctx context.Context, jobID, status string, result json.RawMessage) error {
	payload, err := json.Marshal(statusMessage{JobID: jobID, Status: status, Result: result})
	if err != nil {
		return errors.Wrap(err, "failed to encode status event")
	}
	if err := b.rdb.Publish(ctx, StatusChannel(jobID), payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish status event")
	}
	return nil
}

// Subscribe listens on all job channels and delivers decoded events until
// ctx is cancelled, at which point the returned channel closes. Events that
// would block a full buffer are dropped; the bus is not a durable protocol.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	sub := b.rdb.PSubscribe(ctx, logChannelPrefix+"*", statusChannelPrefix+"*")
	events := make(chan Event, 256)

	go func() {
		defer close(events)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Channel, msg.Payload)
				if err != nil {
					b.log.Warnw("Dropped undecodable bus event",
						"channel", msg.Channel,
						logger.FieldError, err,
					)
					continue
				}
				select {
				case events <- ev:
				default:
					b.log.Debugw("Dropped bus event, subscriber slow",
						logger.FieldJobID, ev.JobID,
						"kind", ev.Kind,
					)
				}
			}
		}
	}()

	return events
}

func decodeEvent(channel, payload string) (Event, error) {
	switch {
	case strings.HasPrefix(channel, logChannelPrefix):
		var msg logMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return Event{}, errors.Wrap(err, "failed to decode log event")
		}
		jobID := msg.JobID
		if jobID == "" {
			jobID = strings.TrimPrefix(channel, logChannelPrefix)
		}
		rec := msg.Log
		return Event{Kind: EventLog, JobID: jobID, Log: &rec}, nil

	case strings.HasPrefix(channel, statusChannelPrefix):
		var msg statusMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return Event{}, errors.Wrap(err, "failed to decode status event")
		}
		jobID := msg.JobID
		if jobID == "" {
			jobID = strings.TrimPrefix(channel, statusChannelPrefix)
		}
		return Event{Kind: EventStatus, JobID: jobID, Status: msg.Status, Result: msg.Result}, nil

	default:
		return Event{}, errors.Newf("unknown bus channel: %s", channel)
	}
}
