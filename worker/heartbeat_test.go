package worker

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/config"
	kilntest "github.com/kilnworks/kiln/internal/testing"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/store"
)

func newPresencePool(t *testing.T, mr *miniredis.Miniredis) (*Pool, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(kilntest.CreateTestDB(t))
	q := queue.New(rdb, queue.QueueCompile, nil)
	cfg := config.WorkerConfig{
		Type:               "compile",
		CompileConcurrency: 2,
		DeployConcurrency:  1,
		HeartbeatSeconds:   1,
	}
	return NewPool(q, st, nil, NewRegistry(), rdb, cfg, nil), rdb
}

func TestReportPresenceListsWorker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, rdb := newPresencePool(t, mr)
	ctx := context.Background()

	pool.reportPresence(ctx, time.Second)

	workers, err := ListWorkers(ctx, rdb)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, pool.WorkerID(), workers[0].WorkerID)
	assert.Equal(t, queue.QueueCompile, workers[0].Queue)
	assert.Equal(t, 2, workers[0].Concurrency)
	assert.Zero(t, workers[0].Active)
	assert.False(t, workers[0].ReportedAt.IsZero())
}

func TestPresenceExpiresWithoutHeartbeat(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, rdb := newPresencePool(t, mr)
	ctx := context.Background()

	pool.reportPresence(ctx, time.Second)

	// TTL is three intervals; a silent worker vanishes after that.
	mr.FastForward(4 * time.Second)

	workers, err := ListWorkers(ctx, rdb)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestHeartbeatRemovesPresenceOnShutdown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, rdb := newPresencePool(t, mr)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.runHeartbeat(ctx)
	}()

	require.Eventually(t, func() bool {
		workers, err := ListWorkers(context.Background(), rdb)
		return err == nil && len(workers) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat did not stop")
	}

	workers, err := ListWorkers(context.Background(), rdb)
	require.NoError(t, err)
	assert.Empty(t, workers, "clean shutdown removes the presence key")
}

func TestListWorkersSortedByID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx := context.Background()
	var rdb *redis.Client
	for i := 0; i < 3; i++ {
		pool, client := newPresencePool(t, mr)
		pool.reportPresence(ctx, time.Second)
		rdb = client
	}

	workers, err := ListWorkers(ctx, rdb)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.True(t, sort.SliceIsSorted(workers, func(i, j int) bool {
		return workers[i].WorkerID < workers[j].WorkerID
	}))
}

func TestListWorkersSkipsForeignKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, rdb := newPresencePool(t, mr)
	ctx := context.Background()

	pool.reportPresence(ctx, time.Second)
	require.NoError(t, rdb.Set(ctx, presenceKeyPrefix+"ghost", "not json", 0).Err())

	workers, err := ListWorkers(ctx, rdb)
	require.NoError(t, err)
	require.Len(t, workers, 1, "undecodable presence entries are skipped")
	assert.Equal(t, pool.WorkerID(), workers[0].WorkerID)
}
