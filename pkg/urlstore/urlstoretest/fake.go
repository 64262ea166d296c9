// Package urlstoretest provides in-memory fakes of urlstore.HashTable
// and urlstore.URLTable for unit tests that exercise the creation,
// resolution, pool-refill and cleaner pipelines without a live
// Postgres instance, mirroring the teacher's hand-rolled
// MockRemoteCache / MockOriginFetcher style from
// cache-manager/service_test.go rather than a mocking library.
package urlstoretest

import (
	"context"
	"sort"
	"sync"
	"time"

	"encore.app/pkg/shorterr"
)

// FakeHashTable is an in-memory urlstore.HashTable.
type FakeHashTable struct {
	mu        sync.Mutex
	seq       int64
	available map[string]bool // hash -> available
}

func NewFakeHashTable() *FakeHashTable {
	return &FakeHashTable{available: make(map[string]bool)}
}

func (f *FakeHashTable) NextSequence(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, shorterr.Integrity("n must be positive", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		f.seq++
		out = append(out, f.seq)
	}
	return out, nil
}

func (f *FakeHashTable) InsertIfAbsent(ctx context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		if _, exists := f.available[h]; !exists {
			f.available[h] = true
		}
	}
	return nil
}

func (f *FakeHashTable) ClaimAvailable(ctx context.Context, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []string
	for h, avail := range f.available {
		if avail {
			candidates = append(candidates, h)
		}
	}
	sort.Strings(candidates)

	if n > len(candidates) {
		n = len(candidates)
	}
	claimed := candidates[:n]
	for _, h := range claimed {
		f.available[h] = false
	}
	return claimed, nil
}

func (f *FakeHashTable) MarkUsed(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[hash] = false
	return nil
}

func (f *FakeHashTable) ReleaseAvailable(ctx context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		f.available[h] = true
	}
	return nil
}

func (f *FakeHashTable) Delete(ctx context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		delete(f.available, h)
	}
	return nil
}

// IsAvailable reports the current availability of hash, for assertions.
func (f *FakeHashTable) IsAvailable(hash string) (available, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	available, exists = f.available[hash]
	return
}

// urlRow is a single FakeURLTable row.
type urlRow struct {
	url       string
	createdAt time.Time
}

// FakeURLTable is an in-memory urlstore.URLTable.
type FakeURLTable struct {
	mu      sync.Mutex
	byHash  map[string]urlRow
	byURL   map[string]string // url -> hash
	nowFunc func() time.Time
}

func NewFakeURLTable() *FakeURLTable {
	return &FakeURLTable{
		byHash:  make(map[string]urlRow),
		byURL:   make(map[string]string),
		nowFunc: time.Now,
	}
}

// SetClock overrides the clock used for created_at, for cleaner tests
// that need to seed rows in the past.
func (f *FakeURLTable) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFunc = now
}

// SeedAt inserts a row with an explicit created_at, bypassing Insert's
// conflict checks, for test setup only.
func (f *FakeURLTable) SeedAt(hash, url string, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[hash] = urlRow{url: url, createdAt: createdAt}
	f.byURL[url] = hash
}

func (f *FakeURLTable) Insert(ctx context.Context, hash, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byURL[url]; exists {
		return false, nil
	}
	if _, exists := f.byHash[hash]; exists {
		return false, shorterr.ConflictHash("hash already assigned")
	}

	now := f.nowFunc()
	f.byHash[hash] = urlRow{url: url, createdAt: now}
	f.byURL[url] = hash
	return true, nil
}

func (f *FakeURLTable) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byHash[hash]
	return row.url, ok, nil
}

func (f *FakeURLTable) FindByURL(ctx context.Context, url string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.byURL[url]
	return hash, ok, nil
}

func (f *FakeURLTable) FindOldHashes(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type pair struct {
		hash string
		at   time.Time
	}
	var candidates []pair
	for h, row := range f.byHash {
		if row.createdAt.Before(cutoff) {
			candidates = append(candidates, pair{h, row.createdAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, candidates[i].hash)
	}
	return out, nil
}

func (f *FakeURLTable) DeleteByHashes(ctx context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		if row, ok := f.byHash[h]; ok {
			delete(f.byURL, row.url)
			delete(f.byHash, h)
		}
	}
	return nil
}

// Count returns the number of url rows currently stored.
func (f *FakeURLTable) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byHash)
}
