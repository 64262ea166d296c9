// redis.go wraps github.com/redis/go-redis/v9 with exactly the
// operations the external-interfaces section of the spec requires of
// the shared cache: string GET/SET with TTL, list left-pop /
// right-push / length, and atomic single-key operations. Grounded on
// the pack's URL-shortener caching examples (kaoozhi-zhejian-url's
// cached_url_repository.go cache-aside GET/SET/DEL, hypedn's
// cachestore/cache.go config-driven client + ping-with-retry at
// startup) since the teacher works through its own RemoteCache
// interface rather than a wire-level client directly.
package sharedcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get/PopFront when the key or list is empty.
// Distinguishable from a backend error so callers can tell "miss" from
// "cache broken" even though both are swallowed the same way upstream.
var ErrMiss = errors.New("sharedcache: miss")

// Redis wraps a go-redis client for the operations this system needs.
type Redis struct {
	rdb *redis.Client
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout bounds the initial ping-with-retry loop in NewRedis.
	DialTimeout time.Duration
}

// NewRedis connects to Redis and verifies connectivity with a
// ping-with-retry loop, mirroring hypedn-urlshortener-go's Cache.Ping:
// retry until ctx is done rather than failing on the first transient
// dial error.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("sharedcache: missing redis address")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if _, err := rdb.Ping(ctx).Result(); err == nil {
			return &Redis{rdb: rdb}, nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, fmt.Errorf("sharedcache: connection timed out: %w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }

// Get returns the string value at key, or ErrMiss if absent.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("sharedcache: get %q: %w", key, err)
	}
	return val, nil
}

// Set writes value at key with the given ttl (0 = no expiry).
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("sharedcache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Absence is not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("sharedcache: del %q: %w", key, err)
	}
	return nil
}

// PushBack appends value to the right of the list at key (RPUSH),
// used by the hash pool to enqueue newly minted identifiers.
func (r *Redis) PushBack(ctx context.Context, key, value string) error {
	if err := r.rdb.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("sharedcache: rpush %q: %w", key, err)
	}
	return nil
}

// PopFront atomically removes and returns the leftmost element of the
// list at key (LPOP), or ErrMiss if the list is empty. Atomic across
// all processes sharing this Redis instance per the pool's contract.
func (r *Redis) PopFront(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("sharedcache: lpop %q: %w", key, err)
	}
	return val, nil
}

// Len returns the approximate length of the list at key. Advisory only
// per the pool's size() contract — never load-bearing for correctness.
func (r *Redis) Len(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("sharedcache: llen %q: %w", key, err)
	}
	return n, nil
}

// SetNX sets key to value with ttl iff key does not already exist,
// returning whether the set happened. This is the primitive the
// distributed lock builds acquisition on; the token-bucket limiter
// gets its atomicity from Eval instead.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sharedcache: setnx %q: %w", key, err)
	}
	return ok, nil
}

// EvalSha-free Lua eval helper shared by distlock (compare-and-delete)
// and ratelimit (token-bucket consume). Kept here rather than in each
// caller so there is a single place that knows how to talk to Redis
// scripting.
func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := r.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("sharedcache: eval: %w", err)
	}
	return res, nil
}
