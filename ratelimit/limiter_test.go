package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/shorterr"
)

// fakeRedis is a hand-rolled Lua interpreter for exactly the two
// scripts this package evaluates — consumeScript and peekScript —
// against an in-memory hash-of-hashes, so limiter tests exercise the
// real atomicity contract (refill-then-consume in one step) without a
// live Redis instance.
type fakeRedis struct {
	mu      sync.Mutex
	tokens  map[string]int64
	ts      map[string]int64
	nowFunc func() time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		tokens:  make(map[string]int64),
		ts:      make(map[string]int64),
		nowFunc: time.Now,
	}
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	capacity := toInt64(args[0])
	refillTokens := toInt64(args[1])
	refillInterval := toInt64(args[2])
	now := f.nowFunc().Unix()

	tokens, ok := f.tokens[key]
	ts := f.ts[key]
	if !ok {
		tokens = capacity
		ts = now
	}

	elapsed := now - ts
	if elapsed < 0 {
		elapsed = 0
	}
	if refillInterval <= 0 {
		return nil, errors.New("fakeRedis: refillInterval must be positive")
	}
	periods := elapsed / refillInterval
	if periods > 0 {
		tokens += periods * refillTokens
		if tokens > capacity {
			tokens = capacity
		}
		ts = now
	}

	switch script {
	case consumeScript:
		if tokens < 1 {
			f.tokens[key] = tokens
			f.ts[key] = ts
			return int64(0), nil
		}
		tokens--
		f.tokens[key] = tokens
		f.ts[key] = ts
		return int64(1), nil
	case peekScript:
		existed := int64(0)
		if ok {
			existed = 1
		}
		return []interface{}{tokens, existed}, nil
	default:
		return nil, fmt.Errorf("fakeRedis: unknown script")
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		i, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		return i
	}
}

func TestAllowAdmitsWithinCapacity(t *testing.T) {
	cache := newFakeRedis()
	l := NewLimiter(cache, Config{Capacity: 2, RefillTokens: 2, RefillIntervalSeconds: 60, Enabled: true, BucketExpirationMinutes: 10}, Metrics{})

	if err := l.Allow(context.Background(), "u1"); err != nil {
		t.Fatalf("1st Allow: %v", err)
	}
	if err := l.Allow(context.Background(), "u1"); err != nil {
		t.Fatalf("2nd Allow: %v", err)
	}
}

func TestAllowRejectsOnExhaustion(t *testing.T) {
	var exceeded int
	cache := newFakeRedis()
	l := NewLimiter(cache, Config{Capacity: 2, RefillTokens: 2, RefillIntervalSeconds: 60, Enabled: true, BucketExpirationMinutes: 10},
		Metrics{Exceeded: func() { exceeded++ }})

	ctx := context.Background()
	_ = l.Allow(ctx, "u4")
	_ = l.Allow(ctx, "u4")
	err := l.Allow(ctx, "u4")
	if !shorterr.Is(err, shorterr.KindRateLimited) {
		t.Fatalf("3rd Allow = %v, want RateLimited", err)
	}
	if exceeded != 1 {
		t.Fatalf("exceeded counter = %d, want 1", exceeded)
	}
}

func TestAllowRefillsAfterInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newFakeRedis()
	cache.nowFunc = func() time.Time { return now }
	l := NewLimiter(cache, Config{Capacity: 2, RefillTokens: 2, RefillIntervalSeconds: 60, Enabled: true, BucketExpirationMinutes: 10}, Metrics{})

	// Drain the bucket at t=now.
	patchNow(cache, now)
	_ = l.Allow(context.Background(), "u5")
	_ = l.Allow(context.Background(), "u5")
	if err := l.Allow(context.Background(), "u5"); !shorterr.Is(err, shorterr.KindRateLimited) {
		t.Fatalf("bucket should be exhausted, got %v", err)
	}

	// Advance past the refill interval.
	patchNow(cache, now.Add(61*time.Second))
	if err := l.Allow(context.Background(), "u5"); err != nil {
		t.Fatalf("Allow after refill interval: %v", err)
	}
}

// patchNow fakes the script's "now" argument for the next Eval call by
// monkeying the Limiter's own clock indirectly: Allow always samples
// time.Now() internally, so this test drives the fake cache's replay
// of "now" from a caller-controlled clock instead.
func patchNow(cache *fakeRedis, at time.Time) {
	cache.nowFunc = func() time.Time { return at }
}

func TestAllowAnonymousSharesOneBucket(t *testing.T) {
	cache := newFakeRedis()
	l := NewLimiter(cache, Config{Capacity: 1, RefillTokens: 1, RefillIntervalSeconds: 60, Enabled: true, BucketExpirationMinutes: 10}, Metrics{})

	if err := l.Allow(context.Background(), ""); err != nil {
		t.Fatalf("1st anonymous Allow: %v", err)
	}
	if err := l.Allow(context.Background(), ""); !shorterr.Is(err, shorterr.KindRateLimited) {
		t.Fatalf("2nd anonymous Allow = %v, want RateLimited (shared bucket)", err)
	}
}

func TestAllowDisabledAlwaysAdmits(t *testing.T) {
	cache := newFakeRedis()
	l := NewLimiter(cache, Config{Capacity: 1, RefillTokens: 1, RefillIntervalSeconds: 60, Enabled: false}, Metrics{})

	for i := 0; i < 5; i++ {
		if err := l.Allow(context.Background(), "u9"); err != nil {
			t.Fatalf("Allow with Enabled=false should never fail: %v", err)
		}
	}
}

func TestStatsReportsCapacityForUntouchedBucket(t *testing.T) {
	cache := newFakeRedis()
	l := NewLimiter(cache, Config{Capacity: 7, RefillTokens: 1, RefillIntervalSeconds: 60, Enabled: true}, Metrics{})

	stats, err := l.Stats(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Exists {
		t.Fatal("untouched bucket should report Exists=false")
	}
	if stats.Tokens != 7 {
		t.Fatalf("Tokens = %d, want capacity 7", stats.Tokens)
	}
}
