// Package queue is the broker adapter: named Redis-backed queues with
// at-least-once dispatch, bounded retries, and delayed redispatch.
//
// Key layout per queue:
//
//	kiln:q:{name}:wait           list, producers LPUSH / consumers BLMOVE
//	kiln:q:{name}:active         list, entries currently held by a worker
//	kiln:q:{name}:delayed        zset scored by ready-at (unix ms)
//	kiln:q:{name}:completed      zset scored by finish time, retention-trimmed
//	kiln:q:{name}:failed         zset scored by finish time, retention-trimmed
//	kiln:q:{name}:lock:{handle}  liveness lock, renewed while a worker runs
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
)

// Queue names consumed by worker instances.
const (
	QueueCompile = "compile"
	QueueDeploy  = "deploy"
)

// Dispatch policy.
const (
	DefaultMaxAttempts = 3
	BackoffBase        = 2 * time.Second
	DefaultConcurrency = 2

	CompletedRetention = 24 * time.Hour
	CompletedRetainCap = 1000
	FailedRetention    = 7 * 24 * time.Hour

	lockTTL        = 30 * time.Second
	blockTimeout   = 5 * time.Second
	moverInterval  = time.Second
	reaperInterval = 15 * time.Second
)

// NewRedisClient builds a client from broker configuration. Queue and bus
// share one client; go-redis pools connections internally.
func NewRedisClient(cfg config.BrokerConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Queue is one named queue on the broker.
type Queue struct {
	rdb  *redis.Client
	name string
	log  *zap.SugaredLogger
}

// New returns a handle on the named queue.
func New(rdb *redis.Client, name string, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = logger.Logger
	}
	return &Queue{rdb: rdb, name: name, log: log}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string {
	return "kiln:q:" + q.name + ":" + suffix
}

func (q *Queue) lockKey(handle string) string {
	return q.key("lock:" + handle)
}

// EnqueueOptions adjusts dispatch for one envelope.
type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue submits a payload under the given handle. Delayed entries park in
// the delayed zset until the mover promotes them.
func (q *Queue) Enqueue(ctx context.Context, handle, jobID string, payload []byte, opts *EnqueueOptions) (string, error) {
	maxAttempts := DefaultMaxAttempts
	var delay time.Duration
	if opts != nil {
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
		delay = opts.Delay
	}

	env := &Envelope{
		Handle:      handle,
		Queue:       q.name,
		JobID:       jobID,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
	}
	raw, err := env.Encode()
	if err != nil {
		return "", err
	}

	if delay > 0 {
		readyAt := time.Now().Add(delay)
		if err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: raw,
		}).Err(); err != nil {
			return "", errors.Wrapf(err, "failed to enqueue delayed on %s", q.name)
		}
	} else {
		if err := q.rdb.LPush(ctx, q.key("wait"), raw).Err(); err != nil {
			return "", errors.Wrapf(err, "failed to enqueue on %s", q.name)
		}
	}

	q.log.Debugw("Enqueued job",
		logger.FieldQueue, q.name,
		logger.FieldHandle, handle,
		logger.FieldJobID, jobID,
		"delay", delay.String(),
	)
	return handle, nil
}

// Stats reports queue depths for the status surfaces.
type Stats struct {
	Name      string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Stats gathers depths in one round trip.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to read stats for %s", q.name)
	}

	return &Stats{
		Name:      q.name,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}
