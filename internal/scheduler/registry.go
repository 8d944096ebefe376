package scheduler

import (
	"sort"
	"sync"
)

// Registry maps task kinds to live handlers.
//
// Persistence stores only the kind string; the registry re-attaches the
// function side at fire time. It must be fully populated (every consumer
// registers its kinds during bootstrap) before any guild is resumed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register associates kind with h. Re-registering the same kind overwrites
// the previous handler (last-registered-wins), which supports reload and
// test scenarios. A nil handler removes the kind.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = h
}

func (r *Registry) Resolve(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
