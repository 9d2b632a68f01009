package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
)

// Handler processes one delivered envelope. A nil return acks the entry; an
// error schedules a retry until attempts are exhausted.
type Handler func(ctx context.Context, env *Envelope) error

// Consume dispatches envelopes to handler with the given concurrency and
// blocks until ctx is cancelled. Alongside the consumers it runs the delayed
// mover and the stalled reaper, so a single consuming process is enough to
// keep the queue live.
func (q *Queue) Consume(ctx context.Context, handler Handler, concurrency int, workerID string) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	q.log.Infow("Consuming queue",
		logger.FieldQueue, q.name,
		logger.FieldWorkerID, workerID,
		"concurrency", concurrency,
	)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, handler, workerID)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		q.runDelayedMover(ctx)
	}()
	go func() {
		defer wg.Done()
		q.runStalledReaper(ctx)
	}()

	wg.Wait()
	q.log.Infow("Queue consumers stopped", logger.FieldQueue, q.name)
}

func (q *Queue) consumeLoop(ctx context.Context, handler Handler, workerID string) {
	errorCount := 0
	backoff := time.Second
	const maxConsecutiveErrors = 5
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := q.rdb.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errorCount++
			q.log.Errorw("Broker read failed",
				logger.FieldQueue, q.name,
				"consecutive_errors", errorCount,
				logger.FieldError, err,
			)
			if errorCount >= maxConsecutiveErrors {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		errorCount = 0
		backoff = time.Second

		q.process(ctx, raw, handler, workerID)
	}
}

func (q *Queue) process(ctx context.Context, raw string, handler Handler, workerID string) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		// Poison entry: park it in failed where it can be inspected.
		opCtx, cancel := q.opContext()
		defer cancel()
		pipe := q.rdb.Pipeline()
		pipe.LRem(opCtx, q.key("active"), 1, raw)
		pipe.ZAdd(opCtx, q.key("failed"), redis.Z{Score: nowMs(), Member: raw})
		if _, pipeErr := pipe.Exec(opCtx); pipeErr != nil {
			q.log.Errorw("Failed to park poison entry", logger.FieldQueue, q.name, logger.FieldError, pipeErr)
		}
		q.log.Errorw("Dropped undecodable queue entry", logger.FieldQueue, q.name, logger.FieldError, err)
		return
	}

	// Liveness lock. The reaper treats an active entry without one as owned
	// by a dead worker.
	lockKey := q.lockKey(env.Handle)
	{
		opCtx, cancel := q.opContext()
		if err := q.rdb.Set(opCtx, lockKey, workerID, lockTTL).Err(); err != nil {
			q.log.Warnw("Failed to set job lock", logger.FieldHandle, env.Handle, logger.FieldError, err)
		}
		cancel()
	}
	stopRenew := q.renewLock(lockKey)

	handlerErr := handler(ctx, env)
	stopRenew()

	opCtx, cancel := q.opContext()
	defer cancel()

	switch {
	case handlerErr == nil:
		q.ack(opCtx, raw, env)
	case ctx.Err() != nil:
		// Shutdown mid-job: hand the entry back without consuming an attempt.
		// The worker's idempotency check makes the redelivery harmless.
		q.requeue(opCtx, raw, env)
	default:
		q.nack(opCtx, raw, env, handlerErr)
	}
}

// renewLock extends the liveness lock at a third of its TTL until the
// returned stop function is called. Renewal uses its own context because the
// consume context may already be cancelled while a job drains.
func (q *Queue) renewLock(key string) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				opCtx, cancel := q.opContext()
				if err := q.rdb.Expire(opCtx, key, lockTTL).Err(); err != nil {
					q.log.Warnw("Failed to renew job lock", "lock", key, logger.FieldError, err)
				}
				cancel()
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

func (q *Queue) ack(ctx context.Context, raw string, env *Envelope) {
	now := time.Now()

	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.key("active"), 1, raw)
	pipe.Del(ctx, q.lockKey(env.Handle))
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{Score: float64(now.UnixMilli()), Member: env.Handle})
	// Retention: drop entries past the window, then cap what remains.
	pipe.ZRemRangeByScore(ctx, q.key("completed"), "-inf", msString(now.Add(-CompletedRetention)))
	pipe.ZRemRangeByRank(ctx, q.key("completed"), 0, -(CompletedRetainCap + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnw("Failed to ack job", logger.FieldHandle, env.Handle, logger.FieldError, err)
	}
}

func (q *Queue) nack(ctx context.Context, raw string, env *Envelope, cause error) {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.key("active"), 1, raw)
	pipe.Del(ctx, q.lockKey(env.Handle))

	if env.Attempt < env.MaxAttempts {
		encoded, err := env.retry().Encode()
		if err == nil {
			delay := Backoff(env.Attempt)
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: encoded,
			})
			q.log.Warnw("Job attempt failed, retry scheduled",
				logger.FieldQueue, q.name,
				logger.FieldHandle, env.Handle,
				logger.FieldAttempt, env.Attempt,
				"max_attempts", env.MaxAttempts,
				"delay", delay.String(),
				logger.FieldError, cause,
			)
		} else {
			pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: nowMs(), Member: raw})
			q.log.Errorw("Failed to encode retry envelope, parking entry",
				logger.FieldHandle, env.Handle, logger.FieldError, err)
		}
	} else {
		now := time.Now()
		pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: raw})
		pipe.ZRemRangeByScore(ctx, q.key("failed"), "-inf", msString(now.Add(-FailedRetention)))
		q.log.Errorw("Job attempts exhausted",
			logger.FieldQueue, q.name,
			logger.FieldHandle, env.Handle,
			logger.FieldAttempt, env.Attempt,
			logger.FieldError, cause,
		)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Errorw("Failed to nack job", logger.FieldHandle, env.Handle, logger.FieldError, err)
	}
}

func (q *Queue) requeue(ctx context.Context, raw string, env *Envelope) {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.key("active"), 1, raw)
	pipe.Del(ctx, q.lockKey(env.Handle))
	pipe.LPush(ctx, q.key("wait"), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warnw("Failed to requeue in-flight job", logger.FieldHandle, env.Handle, logger.FieldError, err)
		return
	}
	q.log.Infow("Requeued in-flight job for redelivery", logger.FieldHandle, env.Handle)
}

func (q *Queue) runDelayedMover(ctx context.Context) {
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.moveDueDelayed(ctx)
		}
	}
}

// moveDueDelayed promotes due entries to the wait list. ZRem is the claim:
// when several processes run movers, only the one that removes the member
// pushes it.
func (q *Queue) moveDueDelayed(ctx context.Context) {
	entries, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   msString(time.Now()),
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warnw("Failed to scan delayed entries", logger.FieldQueue, q.name, logger.FieldError, err)
		}
		return
	}

	for _, raw := range entries {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("wait"), raw).Err(); err != nil {
			q.log.Errorw("Failed to promote delayed entry", logger.FieldQueue, q.name, logger.FieldError, err)
		}
	}
}

func (q *Queue) runStalledReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	// Entries seen without a lock get one grace pass before requeueing; a
	// freshly moved entry may not have its lock set yet.
	suspects := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			suspects = q.reapStalled(ctx, suspects)
		}
	}
}

func (q *Queue) reapStalled(ctx context.Context, prev map[string]struct{}) map[string]struct{} {
	entries, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warnw("Failed to scan active entries", logger.FieldQueue, q.name, logger.FieldError, err)
		}
		return prev
	}

	next := make(map[string]struct{})
	for _, raw := range entries {
		env, err := DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		exists, err := q.rdb.Exists(ctx, q.lockKey(env.Handle)).Result()
		if err != nil || exists > 0 {
			continue
		}
		if _, seen := prev[raw]; !seen {
			next[raw] = struct{}{}
			continue
		}

		removed, err := q.rdb.LRem(ctx, q.key("active"), 1, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("wait"), raw).Err(); err != nil {
			q.log.Errorw("Failed to requeue stalled job", logger.FieldHandle, env.Handle, logger.FieldError, err)
			continue
		}
		q.log.Warnw("Requeued stalled job",
			logger.FieldQueue, q.name,
			logger.FieldHandle, env.Handle,
			logger.FieldAttempt, env.Attempt,
		)
	}
	return next
}

// opContext gives finalization its own deadline; the consume context is
// already cancelled when cleanup runs during shutdown.
func (q *Queue) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func nowMs() float64 {
	return float64(time.Now().UnixMilli())
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
