package cache

import (
	"sort"
	"sync"
)

// Invalidator is anything that can drop its cached state.
type Invalidator interface {
	Invalidate()
}

// Registry tracks every cache owned by one client instance so that logout
// and session expiry can clear them together.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Invalidator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Invalidator)}
}

// Register adds inv under name, replacing any previous registration.
func (r *Registry) Register(name string, inv Invalidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = inv
}

// Invalidate clears the named cache and reports whether it exists.
func (r *Registry) Invalidate(name string) bool {
	r.mu.RLock()
	inv, ok := r.items[name]
	r.mu.RUnlock()
	if ok {
		inv.Invalidate()
	}
	return ok
}

// InvalidateAll clears every registered cache.
func (r *Registry) InvalidateAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inv := range r.items {
		inv.Invalidate()
	}
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
