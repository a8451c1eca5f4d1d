package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler processes one claimed job. A nil return completes the job; an error
// records a failed attempt.
type Handler func(ctx context.Context, job *Job) error

// Registry maps wire job names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job name. Registering a name twice panics:
// it is a wiring bug, not a runtime condition.
func (r *Registry) Register(name string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("Register: nil handler for %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("Register: duplicate handler for %q", name))
	}
	r.handlers[name] = h
}

// Dispatch runs the handler bound to job.Name. An unknown name is a hard
// failure; the job burns an attempt rather than looping forever.
func (r *Registry) Dispatch(ctx context.Context, job *Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for job name %q", job.Name)
	}
	return h(ctx, job)
}

// Names returns the registered job names, sorted.
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
