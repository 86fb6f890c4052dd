package storage

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownStorage indicates a storage ID with no registered backend.
var ErrUnknownStorage = errors.New("storage: unknown storage id")

// Registry owns the live backend instances, keyed by storage ID.
//
// It replaces ad-hoc global backend caches with an explicit object that is
// constructed once from configuration and passed by dependency injection.
// The mutex only guards map mutation; backends themselves are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its storage ID.
// Registering a duplicate ID is a configuration error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[b.ID()]; ok {
		return fmt.Errorf("storage id %q already registered", b.ID())
	}
	r.backends[b.ID()] = b
	return nil
}

// Get returns the backend for the given storage ID.
func (r *Registry) Get(storageID string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[storageID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, storageID)
	}
	return b, nil
}

// IDs returns the registered storage IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	return ids
}
