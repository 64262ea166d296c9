// Package ratelimit implements the distributed token-bucket limiter
// (C11): bucket state lives in the shared cache so consumption is
// correct across process instances, the same coordination-point
// pattern pkg/distlock uses for locks. Consume is a single Lua script
// so the read-refill-check-write cycle is atomic despite running
// against a remote store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"encore.app/pkg/shorterr"
)

// cache is the narrow slice of sharedcache.Redis the limiter needs.
type cache interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// consumeScript atomically refills the bucket based on elapsed time
// since its last touch, then consumes one token if available. Bucket
// state is a Redis hash with "tokens" and "ts" (unix seconds) fields;
// EXPIRE is re-armed on every touch so an idle bucket's state is
// reclaimed after bucketTTL, matching the "idle expiration" contract.
const consumeScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillTokens = tonumber(ARGV[2])
local refillInterval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end

local periods = math.floor(elapsed / refillInterval)
if periods > 0 then
	tokens = math.min(capacity, tokens + periods * refillTokens)
	ts = now
end

if tokens < 1 then
	redis.call("HMSET", key, "tokens", tokens, "ts", ts)
	redis.call("EXPIRE", key, ttl)
	return 0
end

tokens = tokens - 1
redis.call("HMSET", key, "tokens", tokens, "ts", ts)
redis.call("EXPIRE", key, ttl)
return 1
`

// Config holds the per-call-site token-bucket parameters from spec.md
// §4.11/§6.
type Config struct {
	Capacity                int64
	RefillTokens            int64
	RefillIntervalSeconds   int64
	Enabled                 bool
	BucketExpirationMinutes int
}

// DefaultConfig returns spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:                10,
		RefillTokens:            10,
		RefillIntervalSeconds:   60,
		Enabled:                 true,
		BucketExpirationMinutes: 10,
	}
}

// Metrics reports the single counter the limiter contributes to the
// sink: rate.limit.exceeded.
type Metrics struct {
	Exceeded func()
}

// Limiter admits or rejects requests per principal using a token
// bucket whose state lives entirely in the shared cache.
type Limiter struct {
	cache   cache
	config  Config
	metrics Metrics
}

// NewLimiter creates a Limiter.
func NewLimiter(cache cache, config Config, metrics Metrics) *Limiter {
	return &Limiter{cache: cache, config: config, metrics: metrics}
}

// Allow attempts to consume one token for principal ("" resolves to
// the shared anonymous bucket). Returns shorterr.RateLimited on
// exhaustion; when Enabled is false the limiter is a no-op that always
// admits, so call sites can flip it off without removing the call.
func (l *Limiter) Allow(ctx context.Context, principal string) error {
	if !l.config.Enabled {
		return nil
	}

	ttlSeconds := int64(l.config.BucketExpirationMinutes) * 60
	res, err := l.cache.Eval(ctx, consumeScript, []string{bucketKey(principal)},
		l.config.Capacity,
		l.config.RefillTokens,
		l.config.RefillIntervalSeconds,
		time.Now().Unix(),
		ttlSeconds,
	)
	if err != nil {
		return shorterr.Transient("ratelimit: consume", err)
	}

	admitted, ok := res.(int64)
	if !ok {
		return shorterr.Transient("ratelimit: unexpected script result", fmt.Errorf("got %T", res))
	}
	if admitted == 0 {
		if l.metrics.Exceeded != nil {
			l.metrics.Exceeded()
		}
		return shorterr.RateLimited("ratelimit: principal exhausted bucket")
	}
	return nil
}

// bucketKey maps a principal to its shared-cache key. The empty
// principal (anonymous caller) resolves to a single shared bucket
// rather than a per-caller one.
func bucketKey(principal string) string {
	if principal == "" {
		return "rate-limit:anonymous"
	}
	return "rate-limit:user:" + principal
}
