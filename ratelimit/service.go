// Package ratelimit implements the distributed per-principal rate
// limiter (C11) as its own Encore service, called by shortener ahead
// of the creation pipeline. The resolution pipeline does not call it,
// so resolve requests are not rate-limited.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"encore.app/pkg/metrics"
	"encore.app/pkg/sharedcache"
	"encore.app/pkg/shorterr"
)

func isRateLimited(err error) bool {
	return shorterr.Is(err, shorterr.KindRateLimited)
}

//encore:service
type Service struct {
	limiter    *Limiter
	cache      *sharedcache.Redis
	metricsink *metrics.InProcess
	config     Config
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	var err error
	once.Do(func() {
		svc, err = newService(context.Background(), DefaultConfig(), "localhost:6379")
	})
	return svc, err
}

func newService(ctx context.Context, config Config, redisAddr string) (*Service, error) {
	cache, err := sharedcache.NewRedis(ctx, sharedcache.Config{Addr: redisAddr})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: connect redis: %w", err)
	}

	sink := metrics.NewInProcess()
	limiter := NewLimiter(cache, config, Metrics{
		Exceeded: func() { sink.Count("rate.limit.exceeded", 1) },
	})

	return &Service{limiter: limiter, cache: cache, metricsink: sink, config: config}, nil
}

// AllowRequest is the cross-service surface shortener calls ahead of
// C9.
type AllowRequest struct {
	Principal string `json:"principal"`
}

type AllowResponse struct {
	Admitted bool `json:"admitted"`
}

// Allow consumes one token for the request's principal, returning
// Admitted=false rather than an error on exhaustion so the caller
// distinguishes a rate-limit rejection from a backend failure without
// string-matching the error.
//
//encore:api private method=POST path=/ratelimit/allow
func Allow(ctx context.Context, req *AllowRequest) (*AllowResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("ratelimit: service not initialized")
	}
	if err := svc.limiter.Allow(ctx, req.Principal); err != nil {
		if isRateLimited(err) {
			return &AllowResponse{Admitted: false}, nil
		}
		return nil, err
	}
	return &AllowResponse{Admitted: true}, nil
}

// StatsRequest/StatsResponse expose BucketStats for the admin surface
// the transport layer will eventually build on.
type StatsRequest struct {
	Principal string `json:"principal"`
}

//encore:api public method=GET path=/ratelimit/stats
func GetStats(ctx context.Context, req *StatsRequest) (*BucketStats, error) {
	if svc == nil {
		return nil, fmt.Errorf("ratelimit: service not initialized")
	}
	stats, err := svc.limiter.Stats(ctx, req.Principal)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// MetricsResponse exposes the sink's current snapshot.
type MetricsResponse struct {
	Counters map[string]int64 `json:"counters"`
}

//encore:api public method=GET path=/ratelimit/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("ratelimit: service not initialized")
	}
	snap := svc.metricsink.Snapshot()
	return &MetricsResponse{Counters: snap.Counters}, nil
}
