package ratelimit

import (
	"context"
	"fmt"
	"time"

	"encore.app/pkg/shorterr"
)

// peekScript reports the bucket's token count after applying the same
// refill arithmetic consumeScript uses, but never writes the result
// back and never decrements — a read-only projection of what Allow
// would see next, adapted from pkg/middleware/ratelimit.go's
// CurrentTokens (which triggers a refill as a side effect; this
// version has none, since this package's bucket is shared state other
// processes also read).
const peekScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillTokens = tonumber(ARGV[2])
local refillInterval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
	return {capacity, 0}
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end
local periods = math.floor(elapsed / refillInterval)
if periods > 0 then
	tokens = math.min(capacity, tokens + periods * refillTokens)
end

return {tokens, 1}
`

// BucketStats reports a single principal's current bucket state,
// adapted from pkg/middleware/ratelimit.go's GetStats/KeyStats trio.
// Unlike that in-process limiter, this one's state lives in Redis
// across every process instance, so there is no local map to range
// over for a global sample — Stats reports one named bucket at a time
// instead of a process-wide enumeration, which would require an
// unbounded Redis KEYS/SCAN sweep this package deliberately avoids.
type BucketStats struct {
	Principal string `json:"principal"`
	Tokens    int64  `json:"tokens"`
	Exists    bool   `json:"exists"`
}

// Stats reports principal's current bucket state without consuming a
// token or mutating it. A bucket that has never been touched (or has
// since expired) reports Exists=false with Tokens=Capacity, since that
// is what Allow would effectively see on its next call.
func (l *Limiter) Stats(ctx context.Context, principal string) (BucketStats, error) {
	res, err := l.cache.Eval(ctx, peekScript, []string{bucketKey(principal)},
		l.config.Capacity,
		l.config.RefillTokens,
		l.config.RefillIntervalSeconds,
		time.Now().Unix(),
	)
	if err != nil {
		return BucketStats{}, shorterr.Transient("ratelimit: stats", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return BucketStats{}, shorterr.Transient("ratelimit: unexpected stats result", fmt.Errorf("got %T", res))
	}
	tokens, _ := pair[0].(int64)
	exists, _ := pair[1].(int64)

	return BucketStats{Principal: principal, Tokens: tokens, Exists: exists == 1}, nil
}
