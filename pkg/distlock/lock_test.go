package distlock

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeCache is a minimal in-memory stand-in for sharedcache.Redis,
// enough to exercise SET-NX-PX acquire + compare-and-delete release
// without a live Redis instance.
type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
	expiry map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string), expiry: make(map[string]time.Time)}
}

func (f *fakeCache) expired(key string) bool {
	exp, ok := f.expiry[key]
	return ok && time.Now().After(exp)
}

func (f *fakeCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.values[key]; exists && !f.expired(key) {
		return false, nil
	}
	f.values[key] = value
	f.expiry[key] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeCache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	token := args[0].(string)
	if f.expired(key) {
		delete(f.values, key)
		return int64(0), nil
	}
	if f.values[key] != token {
		return int64(0), nil
	}
	delete(f.values, key)
	return int64(1), nil
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c := newFakeCache()
	l := New(c)

	h, err := l.Acquire(context.Background(), "generateHashBatch", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// After release a new acquirer must succeed.
	if _, err := l.Acquire(context.Background(), "generateHashBatch", 0, 5*time.Second); err != nil {
		t.Fatalf("second Acquire after release: %v", err)
	}
}

func TestAcquireFailsWhenHeld(t *testing.T) {
	c := newFakeCache()
	l := New(c)

	if _, err := l.Acquire(context.Background(), "cleanOldUrls", 0, time.Hour); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background(), "cleanOldUrls", 0, time.Hour); err != ErrNotAcquired {
		t.Fatalf("second Acquire = %v, want ErrNotAcquired", err)
	}
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	c := newFakeCache()
	l := New(c)

	if _, err := l.Acquire(context.Background(), "generateHashBatch", 0, 10*time.Millisecond); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := l.Acquire(context.Background(), "generateHashBatch", 0, time.Second); err != nil {
		t.Fatalf("Acquire after expiry should succeed: %v", err)
	}
}

func TestReleaseHonorsAtLeastFor(t *testing.T) {
	c := newFakeCache()
	l := New(c)

	h, err := l.Acquire(context.Background(), "cleanOldUrls", 50*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Release returned after %v, want >= atLeastFor", elapsed)
	}
}

func TestReleaseDoesNotStealOthersLock(t *testing.T) {
	c := newFakeCache()
	l := New(c)

	h, err := l.Acquire(context.Background(), "generateHashBatch", 0, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // atMostFor elapses

	// A different instance now acquires the same name.
	if _, err := l.Acquire(context.Background(), "generateHashBatch", 0, time.Minute); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	// The original (stale) handle releasing must not evict the new holder.
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if _, err := l.Acquire(context.Background(), "generateHashBatch", 0, time.Minute); err != ErrNotAcquired {
		t.Fatalf("expected lock still held by second owner, got %v", err)
	}
}
