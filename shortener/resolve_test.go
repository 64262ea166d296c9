package shortener

import (
	"context"
	"testing"
	"time"

	"encore.app/pkg/shorterr"
	"encore.app/pkg/urlstore/urlstoretest"
)

func TestResolveHitsCacheFirst(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	cache := newURLCache(newFakeCache(), DefaultCacheTTL, DefaultL1MaxEntries)
	cache.Put(context.Background(), "h1", "https://example.com/a")

	r := newResolver(cache, urls, ResolutionMetrics{})
	url, fromCache, err := r.Resolve(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !fromCache {
		t.Fatal("expected fromCache=true on a cache hit")
	}
	if url != "https://example.com/a" {
		t.Fatalf("Resolve = %q, want https://example.com/a", url)
	}
}

func TestResolveFallsBackToTableAndBackfillsCache(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	urls.SeedAt("h1", "https://example.com/a", time.Now())
	cache := newURLCache(newFakeCache(), DefaultCacheTTL, DefaultL1MaxEntries)

	r := newResolver(cache, urls, ResolutionMetrics{})
	url, fromCache, err := r.Resolve(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fromCache {
		t.Fatal("expected fromCache=false on a cache miss served from the table")
	}
	if url != "https://example.com/a" {
		t.Fatalf("Resolve = %q, want https://example.com/a", url)
	}

	// Back-filled: a second resolve should now be a cache hit.
	_, fromCacheAgain, err := r.Resolve(context.Background(), "h1")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !fromCacheAgain {
		t.Fatal("expected the first resolve to back-fill the cache")
	}
}

func TestResolveMissingHashReturnsNotFound(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	cache := newURLCache(newFakeCache(), DefaultCacheTTL, DefaultL1MaxEntries)

	r := newResolver(cache, urls, ResolutionMetrics{})
	_, _, err := r.Resolve(context.Background(), "missing")
	if !shorterr.Is(err, shorterr.KindNotFound) {
		t.Fatalf("Resolve(missing) = %v, want NotFound", err)
	}
}

func TestResolveRejectsRedirectToPrivateHost(t *testing.T) {
	urls := urlstoretest.NewFakeURLTable()
	urls.SeedAt("h1", "https://127.0.0.1/a", time.Now())
	cache := newURLCache(newFakeCache(), DefaultCacheTTL, DefaultL1MaxEntries)

	r := newResolver(cache, urls, ResolutionMetrics{})
	_, _, err := r.Resolve(context.Background(), "h1")
	if !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("Resolve(private host) = %v, want InvalidUrl", err)
	}
}
