// Package gstengine drives GStreamer through go-gst. It needs cgo; without it New returns
// ErrCGORequired and callers fall back to memgraph.
package gstengine

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrCGORequired is returned when the binary was built without cgo
var ErrCGORequired = errors.New("gstreamer engine requires cgo")

const (
	factoryTTL     = 5 * time.Minute
	factoryCleanup = 10 * time.Minute
)

// factoryCache remembers registry lookups. Plugin scans are slow and the answer rarely
// changes while the process runs.
type factoryCache struct {
	c      *cache.Cache
	lookup func(factory string) bool
}

func newFactoryCache(lookup func(factory string) bool) *factoryCache {
	return &factoryCache{
		c:      cache.New(factoryTTL, factoryCleanup),
		lookup: lookup,
	}
}

func (f *factoryCache) has(factory string) bool {
	if factory == "" {
		return false
	}
	if v, ok := f.c.Get(factory); ok {
		return v.(bool)
	}
	found := f.lookup(factory)
	f.c.SetDefault(factory, found)
	return found
}

// forget drops a cached answer, e.g. after a plugin was installed
func (f *factoryCache) forget(factory string) {
	f.c.Delete(factory)
}
