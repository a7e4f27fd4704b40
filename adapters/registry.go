package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps adapter ids to adapters. Population happens by explicit
// Register calls at process start; there is no directory scanning or
// dynamic loading.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]ScrapeAdapter
	byDomain map[string]ScrapeAdapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]ScrapeAdapter),
		byDomain: make(map[string]ScrapeAdapter),
	}
}

// Register installs an adapter. Duplicate ids are rejected rather than
// overwritten.
func (r *Registry) Register(a ScrapeAdapter) error {
	if a.ID() == "" {
		return fmt.Errorf("adapter has empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[a.ID()]; exists {
		return fmt.Errorf("adapter %q already registered", a.ID())
	}
	r.byID[a.ID()] = a
	if a.Domain() != "" {
		r.byDomain[a.Domain()] = a
	}
	return nil
}

// Get returns the adapter for an id.
func (r *Registry) Get(id string) (ScrapeAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// List returns registered adapter ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasAdapterForDomain reports whether a registrable domain has coverage.
func (r *Registry) HasAdapterForDomain(domain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byDomain[domain]
	return ok
}
