package cleaner

import (
	"context"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/distlock"
	"encore.app/pkg/urlstore/urlstoretest"
)

// fakeLockCache mirrors the in-memory distlock.Cache fake duplicated
// across hashpool and ratelimit's own test files — package-private
// scaffolding, not a shared testing API.
type fakeLockCache struct {
	mu     sync.Mutex
	values map[string]string
	expiry map[string]time.Time
}

func newFakeLockCache() *fakeLockCache {
	return &fakeLockCache{values: make(map[string]string), expiry: make(map[string]time.Time)}
}

func (f *fakeLockCache) expired(key string) bool {
	exp, ok := f.expiry[key]
	return ok && time.Now().After(exp)
}

func (f *fakeLockCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.values[key]; exists && !f.expired(key) {
		return false, nil
	}
	f.values[key] = value
	f.expiry[key] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeLockCache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
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

func newTestCleaner(t *testing.T, table *urlstoretest.FakeURLTable, hashes *urlstoretest.FakeHashTable, shuttingDown func() bool) *Cleaner {
	t.Helper()
	locker := distlock.New(newFakeLockCache())
	c := New(locker, table, hashes, DefaultConfig(), Metrics{}, shuttingDown)
	return c.WithLockDurations(0, time.Minute)
}

func TestRunDeletesOldRowsAndReleasesHashes(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	hashes := urlstoretest.NewFakeHashTable()

	old := time.Now().AddDate(-2, 0, 0)
	urls.SeedAt("abc", "https://old.example/1", old)
	hashes.MarkUsed(context.Background(), "abc")

	c := newTestCleaner(t, urls, hashes, nil)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, _ := urls.FindByHash(context.Background(), "abc"); ok {
		t.Fatal("expected old url row to be deleted")
	}
	if avail, _ := hashes.IsAvailable("abc"); !avail {
		t.Fatal("expected hash to be released back to available")
	}
}

func TestRunLeavesRecentRowsAlone(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	hashes := urlstoretest.NewFakeHashTable()

	urls.Insert(context.Background(), "fresh", "https://new.example/1")
	hashes.MarkUsed(context.Background(), "fresh")

	c := newTestCleaner(t, urls, hashes, nil)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, _ := urls.FindByHash(context.Background(), "fresh"); !ok {
		t.Fatal("recent url row should survive the sweep")
	}
	if avail, _ := hashes.IsAvailable("fresh"); avail {
		t.Fatal("recent hash should remain unavailable")
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	hashes := urlstoretest.NewFakeHashTable()
	old := time.Now().AddDate(-2, 0, 0)
	urls.SeedAt("locked", "https://old.example/2", old)
	hashes.MarkUsed(context.Background(), "locked")

	cache := newFakeLockCache()
	locker := distlock.New(cache)
	c := New(locker, urls, hashes, DefaultConfig(), Metrics{}, nil).WithLockDurations(0, time.Minute)

	if _, err := locker.Acquire(context.Background(), lockName, 0, time.Minute); err != nil {
		t.Fatalf("external Acquire: %v", err)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run should no-op, not error, when lock is held: %v", err)
	}
	if _, ok, _ := urls.FindByHash(context.Background(), "locked"); !ok {
		t.Fatal("row must survive when the lock could not be acquired")
	}
}

func TestRunStopsBeforeReleaseWhenAlreadyShuttingDown(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	hashes := urlstoretest.NewFakeHashTable()
	old := time.Now().AddDate(-2, 0, 0)
	urls.SeedAt("h1", "https://old.example/3", old)
	hashes.MarkUsed(context.Background(), "h1")

	c := newTestCleaner(t, urls, hashes, func() bool { return true })
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, _ := urls.FindByHash(context.Background(), "h1"); !ok {
		t.Fatal("row should be untouched: shutdown observed before any release")
	}
	if avail, _ := hashes.IsAvailable("h1"); avail {
		t.Fatal("hash should remain unavailable: shutdown observed before any release")
	}
}

func TestRunCompensatesWhenShutdownBetweenReleaseAndDelete(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	hashes := urlstoretest.NewFakeHashTable()
	old := time.Now().AddDate(-2, 0, 0)
	urls.SeedAt("h2", "https://old.example/4", old)
	hashes.MarkUsed(context.Background(), "h2")

	var calls int
	shuttingDown := func() bool {
		calls++
		// First poll (top of Run loop): not yet shutting down, so the
		// batch is fetched and release runs. Second poll (inside
		// processBatch, between release and delete): shutting down.
		return calls >= 2
	}

	c := newTestCleaner(t, urls, hashes, shuttingDown)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, _ := urls.FindByHash(context.Background(), "h2"); !ok {
		t.Fatal("url row must survive: delete step never ran, only release+compensate")
	}
	if avail, _ := hashes.IsAvailable("h2"); avail {
		t.Fatal("hash must not stay available: compensation removes the released row from the hash table")
	}
}
