package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/store"
)

// Handler executes one dequeued job of a given type and returns the result
// payload persisted on completion. Name doubles as the queue the job type
// is dispatched on.
type Handler interface {
	Name() string
	Run(ctx context.Context, job *store.Job, payload json.RawMessage, emit joblog.EmitFunc) (json.RawMessage, error)
}

// Registry maps job types to handlers. Registration happens once during
// process startup; a duplicate registration is a programming error and
// panics rather than silently replacing the earlier handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("worker: handler %q registered twice", name))
	}
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered job types, sorted for stable logs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
