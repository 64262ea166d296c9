// Package sharedcache provides the cache primitives used by the hash
// pool (C5), the URL cache (C8) and the rate limiter (C11): an
// in-process LRU+TTL layer and a thin Redis client wrapping the shared,
// cross-process cache.
//
// The in-process layer is cache-manager/cache.go's L1Cache, adapted
// from a generic interface{} value store to a string-keyed, string-value
// store (hash and URL are always strings in this domain) — same
// RWMutex-protected map + container/list LRU design, same trade-off
// rationale: sync.Map lacks ordered iteration for LRU, and a global lock
// on write is acceptable at this system's scale. shortener's urlCache
// (C8) fronts its Redis calls with one of these per process.
package sharedcache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a local-cache hit result with its provenance.
type Entry struct {
	Value     string
	ExpiresAt time.Time
}

type lruEntry struct {
	key       string
	value     string
	expiresAt time.Time
	element   *list.Element
}

// L1 is a thread-safe in-memory string cache with LRU eviction and TTL
// expiration, fronting the distributed (Redis) layer.
type L1 struct {
	mu         sync.RWMutex
	cache      map[string]*lruEntry
	lruList    *list.List
	maxEntries int
}

// NewL1 creates an L1 cache with the given capacity.
func NewL1(maxEntries int) *L1 {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &L1{
		cache:      make(map[string]*lruEntry, maxEntries),
		lruList:    list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns (entry, true) if key is present and unexpired.
func (c *L1) Get(key string) (Entry, bool) {
	c.mu.RLock()
	entry, exists := c.cache[key]
	c.mu.RUnlock()

	if !exists {
		return Entry{}, false
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.deleteUnsafe(key)
		c.mu.Unlock()
		return Entry{}, false
	}

	c.mu.Lock()
	c.lruList.MoveToFront(entry.element)
	c.mu.Unlock()

	return Entry{Value: entry.value, ExpiresAt: entry.expiresAt}, true
}

// Set stores value under key with the given ttl, evicting the LRU
// entry if at capacity.
func (c *L1) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)

	if entry, exists := c.cache[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxEntries {
		c.evictLRUUnsafe()
	}

	entry := &lruEntry{key: key, value: value, expiresAt: expiresAt}
	entry.element = c.lruList.PushFront(entry)
	c.cache[key] = entry
}

// Delete removes key, reporting whether it existed.
func (c *L1) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteUnsafe(key)
}

func (c *L1) deleteUnsafe(key string) bool {
	entry, exists := c.cache[key]
	if !exists {
		return false
	}
	c.lruList.Remove(entry.element)
	delete(c.cache, key)
	return true
}

func (c *L1) evictLRUUnsafe() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lruEntry)
	c.lruList.Remove(oldest)
	delete(c.cache, entry.key)
}

// Size returns the current entry count.
func (c *L1) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
