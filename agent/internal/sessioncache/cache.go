// Package sessioncache stores TLS session tickets keyed by origin identity
// so repeat tunnels to the same origin can negotiate an abbreviated
// handshake.
package sessioncache

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/tidwall/match"
)

const defaultCapacity = 256

// Cache is a bounded, last-writer-wins store of TLS session ticket bytes per
// originKey. Lookups for unknown keys return (nil, false) silently, and an
// origin whose most recent tunnel closed with an error never returns a
// ticket until a new successful handshake overwrites it.
//
// Grounded on examples/trusted-ca/trustedca.go's TrustedCA, which memoizes
// per-name certificates behind the same lru.Cache + sync.Mutex combination.
type Cache struct {
	mu    sync.Mutex
	store *lru.Cache
	keys  map[string]struct{} // shadow index: lru.Cache exposes no key enumeration
}

// New creates a SessionCache with the given capacity (number of distinct
// origins remembered); capacity <= 0 uses a sensible default.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c := &Cache{
		store: lru.New(capacity),
		keys:  make(map[string]struct{}),
	}
	c.store.OnEvicted = func(key lru.Key, _ any) {
		if k, ok := key.(string); ok {
			delete(c.keys, k)
		}
	}
	return c
}

// Get returns the cached ticket for originKey, or (nil, false) if none is
// cached.
func (c *Cache) Get(originKey string) ([]byte, bool) {
	if originKey == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	val, ok := c.store.Get(originKey)
	if !ok {
		return nil, false
	}
	return val.([]byte), true
}

// Put stores or overwrites the ticket for originKey. Last writer wins.
func (c *Cache) Put(originKey string, ticket []byte) {
	if originKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(originKey, ticket)
	c.keys[originKey] = struct{}{}
}

// Evict removes any cached ticket for originKey. Called when a tunnel for
// that origin closes with hadError=true.
func (c *Cache) Evict(originKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Remove(originKey) // triggers OnEvicted, which removes it from c.keys too
}

// EvictMatching removes every cached ticket whose originKey matches the
// given glob pattern (e.g. "*.example.com"), for operators rotating a
// whole origin family at once.
func (c *Cache) EvictMatching(pattern string) int {
	c.mu.Lock()
	matched := make([]string, 0)
	for k := range c.keys {
		if match.Match(k, pattern) {
			matched = append(matched, k)
		}
	}
	c.mu.Unlock()

	for _, k := range matched {
		c.Evict(k)
	}
	return len(matched)
}

// Len returns the number of origins currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
