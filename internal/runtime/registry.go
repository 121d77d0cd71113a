package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/keepmind9/botfleet/internal/errs"
)

// Registry is the directory of live handles. It never starts or stops them.
type Registry struct {
	mu      sync.RWMutex
	handles map[int64]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[int64]*Handle)}
}

// Register adds h under id. A second live handle for the same bot is refused.
func (r *Registry) Register(id int64, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; ok {
		return errs.InvalidState("registry.register", "bot %d already has a runtime", id)
	}
	r.handles[id] = h
	return nil
}

// Get returns the handle of id
func (r *Registry) Get(id int64) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Lookup is Get with an error wrapping errs.ErrNotRunning for absent bots
func (r *Registry) Lookup(id int64) (*Handle, error) {
	if h, ok := r.Get(id); ok {
		return h, nil
	}
	return nil, fmt.Errorf("bot %d: %w", id, errs.ErrNotRunning)
}

// Unregister removes id, returning the removed handle if any
func (r *Registry) Unregister(id int64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	return h, ok
}

// Snapshot returns the registered handles ordered by bot id
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BotID() < out[j].BotID() })
	return out
}

// Len returns the number of registered handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
