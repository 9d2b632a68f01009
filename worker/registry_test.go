package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/store"
)

// stubHandler lets tests script a handler's behavior per job.
type stubHandler struct {
	name string
	run  func(ctx context.Context, job *store.Job, payload json.RawMessage, emit joblog.EmitFunc) (json.RawMessage, error)
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Run(ctx context.Context, job *store.Job, payload json.RawMessage, emit joblog.EmitFunc) (json.RawMessage, error) {
	return h.run(ctx, job, payload, emit)
}

func noopRun(context.Context, *store.Job, json.RawMessage, joblog.EmitFunc) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubHandler{name: "compile", run: noopRun})

	h, ok := reg.Lookup("compile")
	require.True(t, ok)
	assert.Equal(t, "compile", h.Name())

	_, ok = reg.Lookup("deploy")
	assert.False(t, ok)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubHandler{name: "compile", run: noopRun})

	require.Panics(t, func() {
		reg.Register(&stubHandler{name: "compile", run: noopRun})
	})
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubHandler{name: "deploy", run: noopRun})
	reg.Register(&stubHandler{name: "compile", run: noopRun})

	assert.Equal(t, []string{"compile", "deploy"}, reg.Names())
}
