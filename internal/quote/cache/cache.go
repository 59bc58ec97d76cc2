// Package cache is the time-bounded memoization layer shared by the
// resolver's entry points. Keys are instrument-identity strings; values are
// whatever the fetch produced (a quote or a historical series).
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	expiresAt time.Time
	value     any
}

// Cache is a TTL map with per-key fetch coalescing. Entries are never
// mutated in place; a refresh replaces the entry. Failed or empty fetches
// are not cached, so a transient failure does not block the next retry.
// There is no size bound: a single-user long-running process accumulates a
// few hundred identities at most.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	sf    singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

func New() *Cache {
	return &Cache{items: make(map[string]entry), now: time.Now}
}

// GetOrFetch returns the live cached value for key, or runs fetch and
// stores its result for ttl. Concurrent callers for the same key share one
// fetch. fetch results are cached only when err is nil and the value is
// non-nil.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check after acquiring the flight: another caller may have
		// populated the entry while this one was queued.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil || v == nil {
			return v, err
		}
		c.mu.Lock()
		c.items[key] = entry{expiresAt: c.now().Add(ttl), value: v}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.items = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
