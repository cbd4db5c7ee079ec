// Package registry associates live players with their processing graphs so tests and
// diagnostics can reach a graph without it being part of the player's public API.
package registry

import (
	"sort"
	"sync"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

// Observer is notified after every mutation, outside the lock
type Observer interface {
	RegistryChanged(op string, entries int)
}

// Registry maps player IDs to pipelines. It never owns the pipelines it holds: owners
// must unregister before closing a graph.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]engine.Pipeline
	observer Observer
}

// New creates an empty registry. observer may be nil.
func New(observer Observer) *Registry {
	return &Registry{
		entries:  make(map[string]engine.Pipeline),
		observer: observer,
	}
}

// Register inserts or replaces the pipeline for id
func (r *Registry) Register(id string, p engine.Pipeline) {
	r.mu.Lock()
	prev, replaced := r.entries[id]
	r.entries[id] = p
	n := len(r.entries)
	r.mu.Unlock()

	log := logger.WithComponent("registry")
	if replaced && prev != p {
		log.Debug().Str("player", id).Str("pipeline", p.Name()).Msg("Replaced pipeline")
	} else {
		log.Debug().Str("player", id).Str("pipeline", p.Name()).Msg("Registered pipeline")
	}
	r.notify("register", n)
}

// Lookup returns the current pipeline for id, or false when none is registered
func (r *Registry) Lookup(id string) (engine.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[id]
	return p, ok
}

// Unregister removes id. Missing entries are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		logger.WithComponent("registry").Debug().Str("player", id).Msg("Unregistered pipeline")
		r.notify("unregister", n)
	}
}

// UnregisterIf removes id only while it still maps to p. It reports whether it did.
func (r *Registry) UnregisterIf(id string, p engine.Pipeline) bool {
	r.mu.Lock()
	cur, ok := r.entries[id]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	logger.WithComponent("registry").Debug().Str("player", id).Msg("Unregistered pipeline")
	r.notify("unregister", n)
	return true
}

// Players returns the registered IDs, sorted
func (r *Registry) Players() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) notify(op string, n int) {
	if r.observer != nil {
		r.observer.RegistryChanged(op, n)
	}
}
