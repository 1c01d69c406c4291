package promptcache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache. Each key is independent; there is no
// cache-wide lock.
type MemoryCache struct {
	entries sync.Map // string -> Entry
	now     func() time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key, or a miss if absent or expired.
func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		return Entry{}, false, nil
	}
	e := v.(Entry)
	if e.Expired(c.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put stores payload under key, replacing any previous entry.
func (c *MemoryCache) Put(_ context.Context, key, payload string, ttl time.Duration) error {
	c.entries.Store(key, newEntry(key, payload, c.now(), ttl))
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (c *MemoryCache) Prune() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		if e := v.(Entry); e.Expired(now) {
			// Only delete the exact entry we inspected; a concurrent Put wins.
			if c.entries.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
