package worker

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/store"
)

// publisher is the bus surface the worker needs.
type publisher interface {
	PublishLog(ctx context.Context, jobID string, rec joblog.Record) error
	PublishStatus(ctx context.Context, jobID, status string, result json.RawMessage) error
}

// sink receives a runner's log records. Every emit appends to the in-memory
// vector, persists the current tail on the job row, and publishes the
// record on the bus for live subscribers. Store and bus failures are logged
// and dropped; the runner never sees them.
//
// The vector holds only records emitted by this attempt. The store's MAX on
// log_count keeps the persisted count monotone across redeliveries.
type sink struct {
	mu    sync.Mutex
	logs  []joblog.Record
	total int

	ctx   context.Context
	jobID string
	store *store.Store
	bus   publisher
	log   *zap.SugaredLogger
}

func newSink(ctx context.Context, jobID string, st *store.Store, pub publisher, log *zap.SugaredLogger) *sink {
	if log == nil {
		log = logger.Logger
	}
	return &sink{
		ctx:   ctx,
		jobID: jobID,
		store: st,
		bus:   pub,
		log:   log,
	}
}

// Emit satisfies joblog.EmitFunc. Safe for concurrent use; subprocess
// stdout and stderr stream through it from separate goroutines.
func (s *sink) Emit(rec joblog.Record) {
	s.mu.Lock()
	s.logs = append(s.logs, rec)
	if len(s.logs) > joblog.TailLimit {
		s.logs = joblog.Tail(s.logs, joblog.TailLimit)
	}
	s.total++
	tail := make([]joblog.Record, len(s.logs))
	copy(tail, s.logs)
	total := s.total
	s.mu.Unlock()

	if err := s.store.AppendLogs(s.jobID, tail, total); err != nil {
		s.log.Warnw("Failed to persist job log",
			logger.FieldJobID, s.jobID,
			logger.FieldError, err,
		)
	}
	if s.bus != nil {
		if err := s.bus.PublishLog(s.ctx, s.jobID, rec); err != nil {
			s.log.Debugw("Failed to publish job log",
				logger.FieldJobID, s.jobID,
				logger.FieldError, err,
			)
		}
	}
}

// Records returns a copy of the emitted vector.
func (s *sink) Records() []joblog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]joblog.Record, len(s.logs))
	copy(out, s.logs)
	return out
}

// Total returns the number of records emitted by this attempt.
func (s *sink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
