// Package shortener orchestrates the public caller surface: the
// creation pipeline (C9), the resolution pipeline (C10), and the
// validation hooks (C13) that gate both. It is the only service that
// depends on hashpool and ratelimit; neither of those depends back on
// it, resolving the teacher's "cyclic service<->scheduler<->cache
// reference" design note.
package shortener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/hashpool"
	"encore.app/pkg/httpmw"
	"encore.app/pkg/metrics"
	"encore.app/pkg/retry"
	"encore.app/pkg/sharedcache"
	"encore.app/pkg/urlstore"
	"encore.app/ratelimit"
)

//encore:service
type Service struct {
	creator    *creator
	resolver   *resolver
	cache      *sharedcache.Redis
	urlStore   *urlstore.URLStore
	hashStore  *urlstore.HashStore
	audit      *AuditLogger
	metricsink *metrics.InProcess
	config     Config
}

// Config holds shortener's runtime configuration, per the
// literal-struct convention the rest of the core follows.
type Config struct {
	BaseURL               string
	CacheTTLHours         int
	MaxURLLength          int
	FallbackMaxConcurrent int
	OnTheFlyRPS           int
	OnTheFlyBurst         int
	L1MaxEntries          int
	RetryMaxAttempts      int
	RetryDelayMs          int
	RedisAddr             string
}

// DefaultConfig returns spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:               "https://short.example",
		CacheTTLHours:         24,
		MaxURLLength:          2048,
		FallbackMaxConcurrent: DefaultFallbackMaxConcurrent,
		OnTheFlyRPS:           DefaultOnTheFlyRPS,
		OnTheFlyBurst:         DefaultOnTheFlyBurst,
		L1MaxEntries:          DefaultL1MaxEntries,
		RetryMaxAttempts:      3,
		RetryDelayMs:          1000,
		RedisAddr:             "localhost:6379",
	}
}

var db = sqldb.Named("shortener_db")

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	var err error
	once.Do(func() {
		svc, err = newService(context.Background(), DefaultConfig())
	})
	return svc, err
}

func newService(ctx context.Context, config Config) (*Service, error) {
	cache, err := sharedcache.NewRedis(ctx, sharedcache.Config{Addr: config.RedisAddr})
	if err != nil {
		return nil, fmt.Errorf("shortener: connect redis: %w", err)
	}

	urlStore, err := urlstore.NewURLStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("shortener: init url table: %w", err)
	}
	hashStore, err := urlstore.NewHashStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("shortener: init hash table: %w", err)
	}

	auditLogger, err := NewAuditLogger(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("shortener: init audit log: %w", err)
	}

	sink := metrics.NewInProcess()

	validation := DefaultValidationConfig()
	if config.MaxURLLength > 0 {
		validation.MaxLength = config.MaxURLLength
	}

	cacheTTL := DefaultCacheTTL
	if config.CacheTTLHours > 0 {
		cacheTTL = time.Duration(config.CacheTTLHours) * time.Hour
	}
	shared := newURLCache(cache, cacheTTL, config.L1MaxEntries)

	retryPolicy := retry.Policy{
		MaxAttempts: config.RetryMaxAttempts,
		Delay:       time.Duration(config.RetryDelayMs) * time.Millisecond,
	}

	creationMetrics := CreationMetrics{
		Total:             func() { sink.Count("url.creation.total", 1) },
		Success:           func() { sink.Count("url.creation.success", 1) },
		Failure:           func() { sink.Count("url.creation.failure", 1) },
		Duration:          func(d time.Duration) { sink.Timer("url.creation.duration", d) },
		Conflict:          func() { sink.Count("url.conflict", 1) },
		ValidationFailure: func() { sink.Count("url.validation.failure", 1) },
		URLCacheHit:       func() { sink.Count("url.cache.hit", 1) },
		CacheHit:          func() { sink.Count("hash.cache.hit", 1) },
		CacheFallback:     func() { sink.Count("hash.cache.fallback", 1) },
		OnTheFly:          func() { sink.Count("hash.generation.on_the_fly", 1) },
	}

	s := &Service{
		cache:      cache,
		urlStore:   urlStore,
		hashStore:  hashStore,
		audit:      auditLogger,
		metricsink: sink,
		config:     config,
	}

	s.creator = newCreator(
		ratelimit.Allow,
		shared,
		urlStore,
		hashStore,
		hashpool.Claim,
		hashpool.Return,
		auditLogger,
		config.BaseURL,
		retryPolicy,
		validation,
		config.FallbackMaxConcurrent,
		config.OnTheFlyRPS,
		config.OnTheFlyBurst,
		creationMetrics,
	)

	resolutionMetrics := ResolutionMetrics{
		Total:     func() { sink.Count("url.redirect.total", 1) },
		NotFound:  func() { sink.Count("url.redirect.not_found", 1) },
		CacheHit:  func() { sink.Count("url.cache.hit", 1) },
		CacheMiss: func() { sink.Count("url.cache.miss", 1) },
	}
	s.resolver = newResolver(shared, urlStore, resolutionMetrics)

	return s, nil
}

// CreateShortRequest/CreateShortResponse are the public creation
// surface (createShort), per spec.md §6's caller surface.
type CreateShortRequest struct {
	URL       string `json:"url"`
	Principal string `json:"principal"`
}

type CreateShortResponse struct {
	ShortURL string `json:"short_url"`
}

//encore:api public method=POST path=/shorten
func CreateShort(ctx context.Context, req *CreateShortRequest) (*CreateShortResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("shortener: service not initialized")
	}
	ctx, _ = httpmw.EnsureRequestID(ctx)

	var shortURL string
	err := httpmw.Instrument(ctx, "createShort", func(ctx context.Context) error {
		var err error
		shortURL, err = svc.creator.CreateShort(ctx, req.URL, req.Principal)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CreateShortResponse{ShortURL: shortURL}, nil
}

// ResolveResponse is the public resolution surface (resolve).
type ResolveResponse struct {
	URL       string `json:"url"`
	FromCache bool   `json:"from_cache"`
}

//encore:api public method=GET path=/resolve/:hash
func Resolve(ctx context.Context, hash string) (*ResolveResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("shortener: service not initialized")
	}
	ctx, _ = httpmw.EnsureRequestID(ctx)

	var url string
	var fromCache bool
	err := httpmw.Instrument(ctx, "resolve", func(ctx context.Context) error {
		var err error
		url, fromCache, err = svc.resolver.Resolve(ctx, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ResolveResponse{URL: url, FromCache: fromCache}, nil
}

// MetricsResponse exposes the sink's current snapshot.
type MetricsResponse struct {
	Counters map[string]int64 `json:"counters"`
}

//encore:api public method=GET path=/shortener/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("shortener: service not initialized")
	}
	snap := svc.metricsink.Snapshot()
	return &MetricsResponse{Counters: snap.Counters}, nil
}

// AuditRequest/AuditResponse expose the audit trail for operator
// correlation against abuse reports, mirroring invalidation's own
// admin-facing Recent-style endpoint.
type AuditRequest struct {
	Kind  string `json:"kind"`
	Limit int    `json:"limit"`
}

type AuditResponse struct {
	Entries []AuditEntry `json:"entries"`
}

//encore:api public method=GET path=/shortener/audit
func GetAudit(ctx context.Context, req *AuditRequest) (*AuditResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("shortener: service not initialized")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	entries, err := svc.audit.Recent(ctx, req.Kind, limit)
	if err != nil {
		return nil, err
	}
	return &AuditResponse{Entries: entries}, nil
}
