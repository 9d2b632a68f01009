package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kilntest "github.com/kilnworks/kiln/internal/testing"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/store"
)

// busRecorder captures bus publishes for assertions.
type busRecorder struct {
	mu       sync.Mutex
	logs     []joblog.Record
	statuses []string
}

func (b *busRecorder) PublishLog(_ context.Context, _ string, rec joblog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, rec)
	return nil
}

func (b *busRecorder) PublishStatus(_ context.Context, _ string, status string, _ json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
	return nil
}

func (b *busRecorder) logRecords() []joblog.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]joblog.Record, len(b.logs))
	copy(out, b.logs)
	return out
}

func (b *busRecorder) statusValues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.statuses))
	copy(out, b.statuses)
	return out
}

func newSinkFixture(t *testing.T) (*sink, *store.Store, *store.Job, *busRecorder) {
	t.Helper()
	st := store.New(kilntest.CreateTestDB(t))
	job := store.NewJob(store.JobTypeCompile, "user-1", "proj-1")
	require.NoError(t, st.CreateJob(job))
	bus := &busRecorder{}
	return newSink(context.Background(), job.ID, st, bus, nil), st, job, bus
}

func TestSinkPersistsTailAndPublishes(t *testing.T) {
	snk, st, job, bus := newSinkFixture(t)

	snk.Emit(joblog.New(joblog.KindInfo, "Compiling contract"))
	snk.Emit(joblog.New(joblog.KindWarning, "unused variable `x`"))

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)

	// The emitted vector replaces the enqueue seed record.
	require.Len(t, got.Logs, 2)
	assert.Equal(t, "Compiling contract", got.Logs[0].Message)
	assert.Equal(t, joblog.KindWarning, got.Logs[1].Kind)
	assert.Equal(t, 2, got.LogCount)

	require.Len(t, bus.logRecords(), 2)
	assert.Equal(t, "Compiling contract", bus.logRecords()[0].Message)

	assert.Equal(t, 2, snk.Total())
}

func TestSinkTrimsTailKeepsTotal(t *testing.T) {
	snk, st, job, _ := newSinkFixture(t)

	emitted := joblog.TailLimit + 3
	for i := 1; i <= emitted; i++ {
		snk.Emit(joblog.New(joblog.KindInfo, fmt.Sprintf("line %d", i)))
	}

	records := snk.Records()
	require.Len(t, records, joblog.TailLimit)
	assert.Equal(t, "line 4", records[0].Message, "oldest records fall off the tail")
	assert.Equal(t, fmt.Sprintf("line %d", emitted), records[len(records)-1].Message)
	assert.Equal(t, emitted, snk.Total())

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Logs, joblog.TailLimit)
	assert.Equal(t, emitted, got.LogCount, "log count reflects emissions, not the kept tail")
}

func TestSinkNilBus(t *testing.T) {
	st := store.New(kilntest.CreateTestDB(t))
	job := store.NewJob(store.JobTypeDeploy, "user-1", "proj-1")
	require.NoError(t, st.CreateJob(job))

	snk := newSink(context.Background(), job.ID, st, nil, nil)
	snk.Emit(joblog.New(joblog.KindInfo, "Deploying"))

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "Deploying", got.Logs[0].Message)
}

func TestSinkRecordsReturnsCopy(t *testing.T) {
	snk, _, _, _ := newSinkFixture(t)

	snk.Emit(joblog.New(joblog.KindInfo, "first"))
	records := snk.Records()
	records[0].Message = "mutated"

	assert.Equal(t, "first", snk.Records()[0].Message)
}
