package shortener

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/hashpool"
	"encore.app/pkg/base62"
	"encore.app/pkg/httpmw"
	"encore.app/pkg/retry"
	"encore.app/pkg/shorterr"
	"encore.app/ratelimit"
)

// DefaultFallbackMaxConcurrent is spec.md §6's fallbackMaxConcurrent=5.
const DefaultFallbackMaxConcurrent = 5

// fallbackPermitTimeout bounds how long a caller waits to acquire the
// bounded concurrency permit guarding the C2 claimAvailable fallback
// before failing fast, per §5's "bounded wait of 1 second before
// Unavailable".
const fallbackPermitTimeout = time.Second

// DefaultOnTheFlyRPS/DefaultOnTheFlyBurst bound the in-process
// on-the-fly generation rate, guarding nextSequence/markUsed from a
// thundering herd within one process, ahead of (and independent of)
// the distributed C11 limiter.
const (
	DefaultOnTheFlyRPS   = 50
	DefaultOnTheFlyBurst = 50
)

// claimFunc and returnFunc are the narrow cross-service view of
// hashpool.Claim/hashpool.Return the creation pipeline needs. Plain
// function values rather than a method-based interface, since Claim
// and Return are themselves Encore API functions, not methods on a
// value shortener could hold a reference to.
type claimFunc func(ctx context.Context) (*hashpool.ClaimResponse, error)
type returnFunc func(ctx context.Context, req *hashpool.ReturnRequest) (*hashpool.ReturnResponse, error)

// allowFunc is the narrow cross-service view of ratelimit.Allow.
type allowFunc func(ctx context.Context, req *ratelimit.AllowRequest) (*ratelimit.AllowResponse, error)

// hashTable is the narrow slice of pkg/urlstore.HashStore C9's
// fallback steps need.
type hashTable interface {
	NextSequence(ctx context.Context, n int) ([]int64, error)
	ClaimAvailable(ctx context.Context, n int) ([]string, error)
	MarkUsed(ctx context.Context, hash string) error
}

// urlTable is the narrow slice of pkg/urlstore.URLStore C9's persist
// step needs.
type urlTable interface {
	Insert(ctx context.Context, hash, url string) (bool, error)
	FindByURL(ctx context.Context, url string) (string, bool, error)
}

// auditor is the narrow slice of AuditLogger the pipeline needs; it is
// an interface so tests can assert on recorded events without a live
// Postgres instance.
type auditor interface {
	RecordRateLimited(ctx context.Context, principal, requestID string) error
	RecordOnTheFly(ctx context.Context, principal, hash, requestID string) error
}

// creator implements the creation pipeline (C9).
type creator struct {
	allow           allowFunc
	cache           *urlCache
	urls            urlTable
	hashes          hashTable
	claim           claimFunc
	poolReturn      returnFunc
	audit           auditor
	fallbackSem     *semaphore.Weighted
	onTheFlyLimiter *rate.Limiter
	dedup           singleflight.Group
	baseURL         string
	retryPolicy     retry.Policy
	validation      ValidationConfig
	metrics         CreationMetrics
}

// CreationMetrics reports C9's counters to the sink: url.creation.*,
// url.conflict, url.validation.failure, url.cache.hit,
// hash.cache.{hit,fallback}, hash.generation.on_the_fly.
type CreationMetrics struct {
	Total             func()
	Success           func()
	Failure           func()
	Duration          func(d time.Duration)
	Conflict          func()
	ValidationFailure func()
	URLCacheHit       func()
	CacheHit          func()
	CacheFallback     func()
	OnTheFly          func()
}

func newCreator(allow allowFunc, cache *urlCache, urls urlTable, hashes hashTable, claim claimFunc, poolReturn returnFunc, audit auditor, baseURL string, retryPolicy retry.Policy, validation ValidationConfig, fallbackMaxConcurrent int, onTheFlyRPS, onTheFlyBurst int, metrics CreationMetrics) *creator {
	if fallbackMaxConcurrent <= 0 {
		fallbackMaxConcurrent = DefaultFallbackMaxConcurrent
	}
	if onTheFlyRPS <= 0 {
		onTheFlyRPS = DefaultOnTheFlyRPS
	}
	if onTheFlyBurst <= 0 {
		onTheFlyBurst = DefaultOnTheFlyBurst
	}
	return &creator{
		allow:           allow,
		cache:           cache,
		urls:            urls,
		hashes:          hashes,
		claim:           claim,
		poolReturn:      poolReturn,
		audit:           audit,
		fallbackSem:     semaphore.NewWeighted(int64(fallbackMaxConcurrent)),
		onTheFlyLimiter: rate.NewLimiter(rate.Limit(onTheFlyRPS), onTheFlyBurst),
		baseURL:         baseURL,
		retryPolicy:     retryPolicy,
		validation:      validation,
		metrics:         metrics,
	}
}

// CreateShort runs the full creation pipeline (C9 steps 1-7).
func (c *creator) CreateShort(ctx context.Context, rawURL, principal string) (string, error) {
	c.reportTotal()
	start := time.Now()
	defer func() { c.reportDuration(time.Since(start)) }()

	requestID := httpmw.RequestIDFromCtx(ctx)

	// Step 1/2/3: validate-raw, normalize, validate-normalized.
	if err := validateRaw(rawURL, c.validation); err != nil {
		c.reportValidationFailure()
		c.reportFailure()
		return "", err
	}
	normalized, err := normalize(rawURL, c.validation)
	if err != nil {
		c.reportValidationFailure()
		c.reportFailure()
		return "", err
	}
	if err := validateNormalized(normalized); err != nil {
		c.reportValidationFailure()
		c.reportFailure()
		return "", err
	}

	// Rate-limit decision always precedes any durable I/O.
	allowResp, err := c.allow(ctx, &ratelimit.AllowRequest{Principal: principal})
	if err != nil {
		c.reportFailure()
		return "", err
	}
	if !allowResp.Admitted {
		if c.audit != nil {
			if err := c.audit.RecordRateLimited(ctx, principal, requestID); err != nil {
				log.Printf("[WARN] shortener: audit rate-limited event failed: %v", err)
			}
		}
		c.reportFailure()
		return "", shorterr.RateLimited("shortener: principal rate-limited")
	}

	// Concurrent createShort calls for the same normalized URL on this
	// process coalesce to one winner, cutting down the URL-conflict
	// race of step 6 to cross-process only.
	result, err, _ := c.dedup.Do(normalized, func() (interface{}, error) {
		return c.createNormalized(ctx, normalized, principal, requestID)
	})
	if err != nil {
		c.reportFailure()
		return "", err
	}

	c.reportSuccess()
	return result.(string), nil
}

func (c *creator) createNormalized(ctx context.Context, normalized, principal, requestID string) (string, error) {
	// Step 4: dedup via reverse cache then reverse table.
	if hash, ok := c.cache.GetHashByURL(ctx, normalized); ok {
		c.reportURLCacheHit()
		c.cache.RefreshTTL(ctx, hash, normalized)
		return c.buildShortURL(hash), nil
	}
	if hash, ok, err := c.urls.FindByURL(ctx, normalized); err != nil {
		return "", err
	} else if ok {
		c.cache.Put(ctx, hash, normalized)
		return c.buildShortURL(hash), nil
	}

	// Step 5: claim a hash.
	hash, onTheFly, err := c.claimHash(ctx)
	if err != nil {
		return "", err
	}
	if onTheFly {
		c.reportOnTheFly()
		if c.audit != nil {
			if err := c.audit.RecordOnTheFly(ctx, principal, hash, requestID); err != nil {
				log.Printf("[WARN] shortener: audit on-the-fly event failed: %v", err)
			}
		}
	}

	// Step 6: persist under the outer retry (only IntegrityError other
	// than URL-conflict is retried).
	finalHash, err := c.persist(ctx, hash, normalized)
	if err != nil {
		return "", err
	}

	// Step 7: build.
	return c.buildShortURL(finalHash), nil
}

// claimHash implements C9 step 5: pool first, then C2 claimAvailable
// under the bounded fallback permit, then on-the-fly generation.
func (c *creator) claimHash(ctx context.Context) (hash string, onTheFly bool, err error) {
	claimResp, err := c.claim(ctx)
	switch {
	case err == nil:
		c.reportCacheHit()
		return claimResp.Hash, false, nil
	case shorterr.Is(err, shorterr.KindNoAvailableHash):
		// Pool empty (hashpool.ErrEmpty): fall through to C2.
	default:
		return "", false, err
	}

	c.reportCacheFallback()
	permitCtx, cancel := context.WithTimeout(ctx, fallbackPermitTimeout)
	defer cancel()
	if err := c.fallbackSem.Acquire(permitCtx, 1); err != nil {
		return "", false, shorterr.NoAvailableHash("shortener: fallback permit unavailable")
	}
	defer c.fallbackSem.Release(1)

	claimed, err := c.hashes.ClaimAvailable(ctx, 1)
	if err != nil {
		return "", false, err
	}
	if len(claimed) > 0 {
		return claimed[0], false, nil
	}

	// On-the-fly: nextSequence(1) -> base62 encode -> markUsed, guarded
	// by an in-process limiter ahead of the distributed C11 limiter so
	// a single process can't thunder-herd its own Postgres sequence.
	if !c.onTheFlyLimiter.Allow() {
		return "", false, shorterr.RateLimited("shortener: on-the-fly generation rate exceeded")
	}
	seq, err := c.hashes.NextSequence(ctx, 1)
	if err != nil {
		return "", false, err
	}
	if len(seq) != 1 {
		return "", false, fmt.Errorf("shortener: expected 1 sequence value, got %d", len(seq))
	}
	encoded, err := base62.Encode(seq[0])
	if err != nil {
		return "", false, err
	}
	if err := c.hashes.MarkUsed(ctx, encoded); err != nil {
		return "", false, err
	}
	return encoded, true, nil
}

// persist implements C9 step 6.
func (c *creator) persist(ctx context.Context, hash, normalized string) (string, error) {
	// Only KindIntegrity (an integrity violation other than the url or
	// hash unique index) is retried. A url conflict comes back as
	// (false, nil), and a KindConflictHash (primary-key collision)
	// propagates on the first attempt.
	policy := c.retryPolicy
	policy.Classify = func(err error) bool { return shorterr.Is(err, shorterr.KindIntegrity) }
	var inserted bool
	err := retry.Execute(ctx, policy, func(ctx context.Context) error {
		ok, err := c.urls.Insert(ctx, hash, normalized)
		if err != nil {
			return err
		}
		inserted = ok
		return nil
	})
	if err != nil {
		return "", err
	}

	if inserted {
		c.cache.Put(ctx, hash, normalized)
		return hash, nil
	}

	// URL-conflict: another caller committed this URL first. Return
	// the winner's hash and give the just-claimed hash back to the
	// pool so it isn't stranded unavailable.
	c.reportConflict()
	winnerHash, ok, err := c.urls.FindByURL(ctx, normalized)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("shortener: url-conflict but findByUrl found nothing")
	}
	if _, err := c.poolReturn(ctx, &hashpool.ReturnRequest{Hash: hash}); err != nil {
		log.Printf("[WARN] shortener: return claimed hash to pool failed: %v", err)
	}
	c.cache.Put(ctx, winnerHash, normalized)
	return winnerHash, nil
}

func (c *creator) buildShortURL(hash string) string {
	return c.baseURL + "/" + hash
}

func (c *creator) reportTotal() {
	if c.metrics.Total != nil {
		c.metrics.Total()
	}
}
func (c *creator) reportSuccess() {
	if c.metrics.Success != nil {
		c.metrics.Success()
	}
}
func (c *creator) reportFailure() {
	if c.metrics.Failure != nil {
		c.metrics.Failure()
	}
}
func (c *creator) reportDuration(d time.Duration) {
	if c.metrics.Duration != nil {
		c.metrics.Duration(d)
	}
}
func (c *creator) reportConflict() {
	if c.metrics.Conflict != nil {
		c.metrics.Conflict()
	}
}
func (c *creator) reportValidationFailure() {
	if c.metrics.ValidationFailure != nil {
		c.metrics.ValidationFailure()
	}
}
func (c *creator) reportURLCacheHit() {
	if c.metrics.URLCacheHit != nil {
		c.metrics.URLCacheHit()
	}
}
func (c *creator) reportCacheHit() {
	if c.metrics.CacheHit != nil {
		c.metrics.CacheHit()
	}
}
func (c *creator) reportCacheFallback() {
	if c.metrics.CacheFallback != nil {
		c.metrics.CacheFallback()
	}
}
func (c *creator) reportOnTheFly() {
	if c.metrics.OnTheFly != nil {
		c.metrics.OnTheFly()
	}
}
