package worker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
)

const (
	// presenceKeyPrefix namespaces worker presence keys on the broker.
	presenceKeyPrefix = "kiln:workers:"

	// presenceTTLFactor times the heartbeat interval gives the key TTL, so
	// a worker that dies silently disappears after two missed beats.
	presenceTTLFactor = 3

	defaultHeartbeat = 5 * time.Second
)

// Presence is one worker's liveness report, refreshed on every heartbeat.
type Presence struct {
	WorkerID      string    `json:"worker_id"`
	Queue         string    `json:"queue"`
	Concurrency   int       `json:"concurrency"`
	Active        int       `json:"active"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	StartedAt     time.Time `json:"started_at"`
	ReportedAt    time.Time `json:"reported_at"`
}

// runHeartbeat refreshes this worker's presence key until ctx is cancelled,
// then removes it so status reads don't show a ghost for the TTL window.
func (p *Pool) runHeartbeat(ctx context.Context) {
	interval := time.Duration(p.cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeat
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.reportPresence(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := opContext()
			defer cancel()
			if err := p.rdb.Del(cleanup, presenceKeyPrefix+p.workerID).Err(); err != nil {
				p.log.Debugw("Failed to remove worker presence", logger.FieldError, err)
			}
			return
		case <-ticker.C:
			p.reportPresence(ctx, interval)
		}
	}
}

func (p *Pool) reportPresence(ctx context.Context, interval time.Duration) {
	pres := Presence{
		WorkerID:    p.workerID,
		Queue:       p.queue.Name(),
		Concurrency: p.cfg.Concurrency(),
		Active:      int(p.active.Load()),
		StartedAt:   p.started,
		ReportedAt:  time.Now().UTC(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		pres.MemoryUsedMB = (vm.Total - vm.Available) / 1024 / 1024
		pres.MemoryTotalMB = vm.Total / 1024 / 1024
	}

	raw, err := json.Marshal(pres)
	if err != nil {
		return
	}
	ttl := interval * presenceTTLFactor
	if err := p.rdb.Set(ctx, presenceKeyPrefix+p.workerID, raw, ttl).Err(); err != nil {
		p.log.Debugw("Failed to report worker presence",
			logger.FieldWorkerID, p.workerID,
			logger.FieldError, err,
		)
	}
}

// ListWorkers returns the presence reports currently live on the broker,
// sorted by worker id.
func ListWorkers(ctx context.Context, rdb *redis.Client) ([]Presence, error) {
	var (
		out    []Presence
		cursor uint64
	)
	for {
		keys, next, err := rdb.Scan(ctx, cursor, presenceKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan worker presence keys")
		}
		for _, key := range keys {
			raw, err := rdb.Get(ctx, key).Result()
			if err != nil {
				// Key expired between scan and read.
				continue
			}
			var pres Presence
			if err := json.Unmarshal([]byte(raw), &pres); err != nil {
				continue
			}
			out = append(out, pres)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
