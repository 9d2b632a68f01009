package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/store"
)

// opTimeout bounds broker publishes and presence writes that run after the
// consume context is already cancelled.
const opTimeout = 10 * time.Second

// Pool consumes one queue and drives the registered handler for each
// delivery. It owns the job state transitions: queued rows become active
// before the handler runs, and exactly one terminal write follows.
type Pool struct {
	queue    *queue.Queue
	store    *store.Store
	bus      publisher
	registry *Registry
	rdb      *redis.Client
	cfg      config.WorkerConfig
	log      *zap.SugaredLogger

	workerID string
	started  time.Time
	active   atomic.Int64
}

// NewPool wires a consumer pool. The redis client is used only for presence
// reporting and may be nil, which disables the heartbeat.
func NewPool(q *queue.Queue, st *store.Store, bus publisher, reg *Registry, rdb *redis.Client, cfg config.WorkerConfig, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = logger.Logger
	}
	return &Pool{
		queue:    q,
		store:    st,
		bus:      bus,
		registry: reg,
		rdb:      rdb,
		cfg:      cfg,
		log:      log,
		workerID: newWorkerID(),
		started:  time.Now().UTC(),
	}
}

// WorkerID returns the identity this pool reports to the broker.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// Run consumes deliveries until ctx is cancelled. In-flight handlers get to
// finish; entries claimed but not acknowledged are requeued by the consumer.
func (p *Pool) Run(ctx context.Context) {
	p.log.Infow("Worker pool starting",
		logger.FieldWorkerID, p.workerID,
		logger.FieldQueue, p.queue.Name(),
		"concurrency", p.cfg.Concurrency(),
		"handlers", p.registry.Names(),
	)
	if p.rdb != nil {
		go p.runHeartbeat(ctx)
	}
	p.queue.Consume(ctx, p.handle, p.cfg.Concurrency(), p.workerID)
	p.log.Infow("Worker pool stopped", logger.FieldWorkerID, p.workerID)
}

// handle processes one delivery. Returning nil acknowledges the entry; any
// error hands it back to the queue's retry policy. Redeliveries of jobs that
// already reached a terminal status are absorbed without rerunning anything.
func (p *Pool) handle(ctx context.Context, env *queue.Envelope) error {
	p.active.Add(1)
	defer p.active.Add(-1)

	log := p.log.With(
		logger.FieldJobID, env.JobID,
		logger.FieldQueue, env.Queue,
		logger.FieldAttempt, env.Attempt,
	)

	job, err := p.store.GetJob(env.JobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			log.Warnw("Dropping delivery for unknown job")
			return nil
		}
		return errors.Wrapf(err, "load job %s", env.JobID)
	}

	if job.Status.Terminal() {
		log.Infow("Absorbed redelivery of finished job", logger.FieldStatus, string(job.Status))
		return nil
	}

	handler, ok := p.registry.Lookup(env.Queue)
	if !ok {
		return errors.Newf("no handler registered for queue %q", env.Queue)
	}

	if err := p.store.MarkActive(job.ID); err != nil {
		return errors.Wrapf(err, "mark job %s active", job.ID)
	}
	log.Infow("Job started", logger.FieldJobType, string(job.Type), logger.FieldUserID, job.OwnerID)
	p.publishStatus(ctx, job.ID, store.JobStatusActive, nil)

	snk := newSink(ctx, job.ID, p.store, p.bus, p.log)

	start := time.Now()
	result, runErr := handler.Run(ctx, job, env.Payload, snk.Emit)
	elapsed := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil && !errors.Terminal(runErr) {
			// Shutdown interrupted the run. Leave the job active so the
			// requeued entry reruns it on another worker.
			log.Warnw("Run interrupted by shutdown, leaving job active", logger.FieldError, runErr)
			return runErr
		}
		p.failJob(job, runErr, snk, log)
		return runErr
	}

	if err := p.completeJob(job, result, log); err != nil {
		return err
	}
	log.Infow("Job finished", logger.FieldDuration, elapsed.Milliseconds())
	return nil
}

// completeJob performs the write-once completion. When another delivery got
// there first, the recorded outcome is republished and side effects are
// skipped.
func (p *Pool) completeJob(job *store.Job, result json.RawMessage, log *zap.SugaredLogger) error {
	recorded, applied, err := p.store.CompleteJob(job.ID, result)
	if err != nil {
		return errors.Wrapf(err, "record completion of job %s", job.ID)
	}

	ctx, cancel := opContext()
	defer cancel()

	if !applied {
		log.Warnw("Outcome already recorded, skipping side effects", logger.FieldStatus, string(recorded.Status))
		p.publishStatus(ctx, job.ID, recorded.Status, recorded.Result)
		return nil
	}

	p.publishStatus(ctx, job.ID, store.JobStatusCompleted, result)
	p.successEffects(job, result, log)
	return nil
}

// failJob records the terminal failure. The error record is folded into the
// persisted tail in the same write that flips the status, so a reader never
// sees a failed job without its diagnostic line.
func (p *Pool) failJob(job *store.Job, cause error, snk *sink, log *zap.SugaredLogger) {
	errRec := joblog.New(joblog.KindError, cause.Error())
	records := joblog.Tail(append(snk.Records(), errRec), joblog.TailLimit)

	recorded, applied, err := p.store.FailJob(job.ID, errRec.Message, records, snk.Total()+1)
	if err != nil {
		log.Errorw("Failed to record job failure", logger.FieldError, err)
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	if !applied {
		log.Warnw("Outcome already recorded, skipping side effects", logger.FieldStatus, string(recorded.Status))
		p.publishStatus(ctx, job.ID, recorded.Status, recorded.Result)
		return
	}

	p.publishLog(ctx, job.ID, errRec)
	p.publishStatus(ctx, job.ID, store.JobStatusFailed, nil)

	if job.Type == store.JobTypeDeploy {
		p.audit(job, store.AuditOutcomeFailure, errRec.Message, log)
	}
	log.Warnw("Job failed", logger.FieldError, cause)
}

// successEffects applies the post-completion hooks. Their failures are
// logged and dropped; the terminal status never changes because of them.
func (p *Pool) successEffects(job *store.Job, result json.RawMessage, log *zap.SugaredLogger) {
	switch job.Type {
	case store.JobTypeDeploy:
		if err := p.store.IncrementDeployCounter(job.OwnerID); err != nil {
			log.Errorw("Failed to increment deploy counter",
				logger.FieldUserID, job.OwnerID,
				logger.FieldError, err,
			)
		}
		detail := ""
		var res store.DeployResult
		if err := json.Unmarshal(result, &res); err == nil {
			detail = fmt.Sprintf("contract_id=%s network=%s", res.ContractID, res.Network)
		}
		p.audit(job, store.AuditOutcomeSuccess, detail, log)

	case store.JobTypeCompile:
		detail := ""
		var res store.CompileResult
		if err := json.Unmarshal(result, &res); err == nil {
			size := 0
			if raw, decErr := base64.StdEncoding.DecodeString(res.WasmBase64); decErr == nil {
				size = len(raw)
			}
			detail = fmt.Sprintf("backend=%s artifact=%s size_bytes=%d", res.BackendUsed, res.WasmFilename, size)
		}
		p.audit(job, store.AuditOutcomeSuccess, detail, log)
	}
}

func (p *Pool) audit(job *store.Job, outcome, detail string, log *zap.SugaredLogger) {
	entry := &store.AuditEntry{
		JobID:   job.ID,
		UserID:  job.OwnerID,
		Action:  string(job.Type),
		Outcome: outcome,
		Detail:  detail,
	}
	if err := p.store.AppendAudit(entry); err != nil {
		log.Errorw("Failed to append audit entry", logger.FieldError, err)
	}
}

func (p *Pool) publishStatus(ctx context.Context, jobID string, status store.JobStatus, result json.RawMessage) {
	if p.bus == nil {
		return
	}
	if err := p.bus.PublishStatus(ctx, jobID, string(status), result); err != nil {
		p.log.Debugw("Failed to publish status update",
			logger.FieldJobID, jobID,
			logger.FieldError, err,
		)
	}
}

func (p *Pool) publishLog(ctx context.Context, jobID string, rec joblog.Record) {
	if p.bus == nil {
		return
	}
	if err := p.bus.PublishLog(ctx, jobID, rec); err != nil {
		p.log.Debugw("Failed to publish log record",
			logger.FieldJobID, jobID,
			logger.FieldError, err,
		)
	}
}

// opContext returns a context for writes that must outlive the consume
// context, like publishing a terminal status during shutdown.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
