package shortener

import (
	"context"

	"encore.app/pkg/shorterr"
)

// ResolutionMetrics reports C10's counters to the sink: url.redirect.*,
// url.cache.{hit,miss}.
type ResolutionMetrics struct {
	Total     func()
	NotFound  func()
	CacheHit  func()
	CacheMiss func()
}

// hashLookupTable is the narrow slice of pkg/urlstore.URLStore the
// resolution pipeline needs, separate from urlTable (create.go) since
// C9 and C10 query the same table in opposite directions.
type hashLookupTable interface {
	FindByHash(ctx context.Context, hash string) (string, bool, error)
}

// resolver implements the resolution pipeline (C10): a pure read with
// no durable side effects other than the advisory cache back-fill.
type resolver struct {
	cache   *urlCache
	urls    hashLookupTable
	metrics ResolutionMetrics
}

func newResolver(cache *urlCache, urls hashLookupTable, metrics ResolutionMetrics) *resolver {
	return &resolver{cache: cache, urls: urls, metrics: metrics}
}

// Resolve implements C10's steps: forward cache -> forward table ->
// cache back-fill -> redirect-time validation hook -> return.
func (r *resolver) Resolve(ctx context.Context, hash string) (url string, fromCache bool, err error) {
	r.reportTotal()

	if cached, ok := r.cache.GetByHash(ctx, hash); ok {
		r.reportCacheHit()
		if err := validateRedirectTarget(cached); err != nil {
			return "", false, err
		}
		return cached, true, nil
	}
	r.reportCacheMiss()

	stored, ok, err := r.urls.FindByHash(ctx, hash)
	if err != nil {
		return "", false, err
	}
	if !ok {
		r.reportNotFound()
		return "", false, shorterr.NotFound("shortener: hash not found")
	}

	r.cache.Put(ctx, hash, stored)

	if err := validateRedirectTarget(stored); err != nil {
		return "", false, err
	}
	return stored, false, nil
}

func (r *resolver) reportTotal() {
	if r.metrics.Total != nil {
		r.metrics.Total()
	}
}
func (r *resolver) reportNotFound() {
	if r.metrics.NotFound != nil {
		r.metrics.NotFound()
	}
}
func (r *resolver) reportCacheHit() {
	if r.metrics.CacheHit != nil {
		r.metrics.CacheHit()
	}
}
func (r *resolver) reportCacheMiss() {
	if r.metrics.CacheMiss != nil {
		r.metrics.CacheMiss()
	}
}
