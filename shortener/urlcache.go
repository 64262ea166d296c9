package shortener

import (
	"context"
	"errors"
	"log"
	"time"

	"encore.app/pkg/sharedcache"
)

// DefaultCacheTTL is spec.md §6's defaultTtlHours=24.
const DefaultCacheTTL = 24 * time.Hour

// DefaultL1MaxEntries bounds the in-process L1 tier fronting Redis.
const DefaultL1MaxEntries = 10000

// l1TTL is deliberately much shorter than the Redis TTL: L1 only needs
// to absorb a hot key's repeat hits within one process between Redis
// round trips, not outlive a single instance's uptime.
const l1TTL = 30 * time.Second

// cache is the narrow slice of sharedcache.Redis the URL cache needs.
type cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// urlCache implements C8: cache-aside GET/SET/DEL on both the forward
// (url:{hash}) and reverse (url_to_hash:{url}) directions, grounded on
// the pack's cached_url_repository.go cache-aside pattern. An L1 tier
// (pkg/sharedcache.L1) fronts the Redis-backed cache so repeat hits on
// the same process never leave the process; every operation past L1 is
// still advisory — a Redis failure is logged and swallowed, per C8's
// contract, never escalated to the caller.
type urlCache struct {
	cache cache
	l1    *sharedcache.L1
	ttl   time.Duration
}

func newURLCache(c cache, ttl time.Duration, l1MaxEntries int) *urlCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if l1MaxEntries <= 0 {
		l1MaxEntries = DefaultL1MaxEntries
	}
	return &urlCache{cache: c, l1: sharedcache.NewL1(l1MaxEntries), ttl: ttl}
}

func forwardKey(hash string) string   { return "url:" + hash }
func reverseKey(rawURL string) string { return "url_to_hash:" + rawURL }

// Put writes both directions to L1 and Redis under a single logical
// operation; a Redis leg's failure is logged and swallowed, not
// escalated.
func (c *urlCache) Put(ctx context.Context, hash, url string) {
	c.l1.Set(forwardKey(hash), url, l1TTL)
	c.l1.Set(reverseKey(url), hash, l1TTL)
	if err := c.cache.Set(ctx, forwardKey(hash), url, c.ttl); err != nil {
		log.Printf("[WARN] shortener: cache put forward failed: %v", err)
	}
	if err := c.cache.Set(ctx, reverseKey(url), hash, c.ttl); err != nil {
		log.Printf("[WARN] shortener: cache put reverse failed: %v", err)
	}
}

// GetByHash returns (url, true) on a cache hit, checking L1 before
// Redis and back-filling L1 on a Redis hit. A miss is indistinguishable
// from an absent entry; a backend failure is logged and treated
// identically to a miss.
func (c *urlCache) GetByHash(ctx context.Context, hash string) (string, bool) {
	if entry, ok := c.l1.Get(forwardKey(hash)); ok {
		return entry.Value, true
	}
	val, err := c.cache.Get(ctx, forwardKey(hash))
	if err != nil {
		if !errors.Is(err, sharedcache.ErrMiss) {
			log.Printf("[WARN] shortener: cache get forward failed: %v", err)
		}
		return "", false
	}
	c.l1.Set(forwardKey(hash), val, l1TTL)
	return val, true
}

// GetHashByURL returns (hash, true) on a reverse-cache hit, checking L1
// before Redis and back-filling L1 on a Redis hit.
func (c *urlCache) GetHashByURL(ctx context.Context, url string) (string, bool) {
	if entry, ok := c.l1.Get(reverseKey(url)); ok {
		return entry.Value, true
	}
	val, err := c.cache.Get(ctx, reverseKey(url))
	if err != nil {
		if !errors.Is(err, sharedcache.ErrMiss) {
			log.Printf("[WARN] shortener: cache get reverse failed: %v", err)
		}
		return "", false
	}
	c.l1.Set(reverseKey(url), val, l1TTL)
	return val, true
}

// RefreshTTL rewrites the reverse entry to reset its TTL on a dedup
// hit, per C9 step 4's "refresh cache TTL" requirement. The url is
// already known (this is a hit), so only the reverse leg needs
// touching; the forward leg is refreshed too since a caller may resolve
// the same hash shortly after.
func (c *urlCache) RefreshTTL(ctx context.Context, hash, url string) {
	c.Put(ctx, hash, url)
}

// Delete removes both directions from L1 and Redis. Unused by the
// creation/resolution pipelines themselves (the spec's cache is
// write-through and time-expired, not explicitly invalidated) but kept
// for the cleaner's eventual use and for tests that need to force a
// miss.
func (c *urlCache) Delete(ctx context.Context, hash, url string) {
	c.l1.Delete(forwardKey(hash))
	c.l1.Delete(reverseKey(url))
	if err := c.cache.Delete(ctx, forwardKey(hash)); err != nil {
		log.Printf("[WARN] shortener: cache delete forward failed: %v", err)
	}
	if err := c.cache.Delete(ctx, reverseKey(url)); err != nil {
		log.Printf("[WARN] shortener: cache delete reverse failed: %v", err)
	}
}
