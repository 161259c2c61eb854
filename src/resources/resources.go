// Package resources tracks long-lived process resources so they can be
// released together on shutdown.
package resources

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Registrar accepts resources for centralized shutdown.
type Registrar interface {
	Register(name string, release func() error) (unregister func())
}

// Registry is a Registrar that releases everything on Close.
type Registry struct {
	mu     sync.Mutex
	next   uint64
	items  map[uint64]entry
	closed bool
	logger zerolog.Logger
}

type entry struct {
	name    string
	release func() error
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		items:  make(map[uint64]entry),
		logger: logger.With().Str("component", "resources").Logger(),
	}
}

// Register adds a resource. Registering after Close releases it immediately
// and logs a failed release, since no Close is left to report it.
func (r *Registry) Register(name string, release func() error) func() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := release(); err != nil {
			r.logger.Error().Err(err).Str("resource", name).Msg("release after close failed")
		}
		return func() {}
	}
	r.next++
	id := r.next
	r.items[id] = entry{name: name, release: release}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.items, id)
		r.mu.Unlock()
	}
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Names returns the names of registered resources.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.items))
	for _, e := range r.items {
		names = append(names, e.name)
	}
	return names
}

// Close releases every registered resource and joins their errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	items := r.items
	r.items = make(map[uint64]entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range items {
		if err := e.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
