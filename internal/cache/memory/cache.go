// Package memory provides an in-process catalog.Cache with TTL expiry.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a mutex-guarded map of entries. Expired entries are dropped lazily
// on read.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// New returns an empty Cache. A nil clock uses time.Now.
func New(clock catalog.Clock) *Cache {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Cache{items: make(map[string]entry), now: now}
}

// Get returns a copy of the value stored under key.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, catalog.ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, catalog.ErrCacheMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a copy of value. ttl <= 0 keeps the entry until overwritten.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	e := entry{value: buf}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
