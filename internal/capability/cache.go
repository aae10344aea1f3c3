// Package capability implements Moat's Capability Lookup Cache (spec.md
// §4.3): a read-through cache over an external manifest registry with a
// 5-minute positive TTL, a 30-second negative TTL, and stale-serve on
// registry-unreachable. Grounded on the teacher's internal/policy/loader.go
// load/cache/reload shape and its fsnotify directory-watch idiom, applied
// here to a fixture-backed Registry implementation used in tests and dev.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moat/moat/internal/model"
)

// ErrNotFound is returned by a Registry when no manifest exists for the
// requested (id, version).
var ErrNotFound = errors.New("capability: manifest not found")

// ErrUnreachable is returned by a Registry when the external registry
// cannot be reached at all (distinct from ErrNotFound).
var ErrUnreachable = errors.New("capability: registry unreachable")

// Registry is the external collaborator contract from spec.md §6:
// "Capability registry | get_manifest(id, version?) → Manifest".
type Registry interface {
	GetManifest(ctx context.Context, id, version string) (model.CapabilityManifest, error)
}

type cacheKey struct {
	id      string
	version string // "" means "latest-published"
}

type entry struct {
	manifest  model.CapabilityManifest
	expiresAt time.Time
	negative  bool
	found     bool
}

// Cache is a read-through, TTL-bounded cache in front of a Registry.
type Cache struct {
	registry Registry
	ttl      time.Duration
	negTTL   time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]entry
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithTTL overrides the default 5-minute positive TTL.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithNegativeTTL overrides the default 30-second negative TTL.
func WithNegativeTTL(d time.Duration) Option { return func(c *Cache) { c.negTTL = d } }

// NewCache constructs a Cache backed by registry with spec.md §4.3's
// default TTLs (5m positive, 30s negative).
func NewCache(registry Registry, opts ...Option) *Cache {
	c := &Cache{
		registry: registry,
		ttl:      5 * time.Minute,
		negTTL:   30 * time.Second,
		entries:  make(map[cacheKey]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve looks up (id, version) — version empty means "latest published" —
// per spec.md §4.1 step 1. stale reports whether a cached-but-expired
// manifest was served because the registry was unreachable.
func (c *Cache) Resolve(ctx context.Context, id, version string) (manifest model.CapabilityManifest, stale bool, err error) {
	key := cacheKey{id: id, version: version}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	now := time.Now()
	if ok && e.expiresAt.After(now) {
		if e.negative {
			return model.CapabilityManifest{}, false, ErrNotFound
		}
		return e.manifest, false, nil
	}

	m, fetchErr := c.registry.GetManifest(ctx, id, version)
	if fetchErr == nil {
		c.mu.Lock()
		c.entries[key] = entry{manifest: m, expiresAt: now.Add(c.ttl), found: true}
		c.mu.Unlock()
		return m, false, nil
	}

	if errors.Is(fetchErr, ErrNotFound) {
		c.mu.Lock()
		c.entries[key] = entry{expiresAt: now.Add(c.negTTL), negative: true}
		c.mu.Unlock()
		return model.CapabilityManifest{}, false, ErrNotFound
	}

	// Registry unreachable: serve stale cache if we have one at all,
	// regardless of its expiry (spec.md §4.3).
	if ok && !e.negative && e.found {
		return e.manifest, true, nil
	}

	return model.CapabilityManifest{}, false, fmt.Errorf("%w: %v", ErrUnreachable, fetchErr)
}
