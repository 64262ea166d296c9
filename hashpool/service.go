// Package hashpool implements the hash pool (C5), the batch hash
// generator (C6), and the pool refill scheduler (C7): the identifier
// supply side of the core, kept independent of the shortener service
// so the scheduler and the cache never call back into it — resolving
// the "cyclic service↔scheduler↔cache reference" note by having the
// scheduler poll downward into the store and cache only.
package hashpool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"encore.dev/cron"
	"encore.dev/storage/sqldb"

	"encore.app/pkg/distlock"
	"encore.app/pkg/metrics"
	"encore.app/pkg/sharedcache"
	"encore.app/pkg/urlstore"
)

//encore:service
type Service struct {
	pool       *Pool
	generator  *Generator
	scheduler  *Scheduler
	workers    *WorkerPool
	cache      *sharedcache.Redis
	store      *urlstore.HashStore
	metricsink *metrics.InProcess
	config     Config

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// Config holds hashpool's runtime configuration, per the literal-struct
// convention cache-manager/service.go uses rather than viper/envconfig.
type Config struct {
	PoolKey       string // shared cache list key (spec default "hash:pool")
	MaxSize       int64  // target pool size (spec default 1000)
	BatchSize     int    // generator batch size, clamped [1,1000] (default 100)
	WorkerSize    int    // generator worker pool goroutines, clamped [1,100] (default 4)
	QueueCapacity int    // generator worker pool queue capacity (default 10000)
	RedisAddr     string
}

// DefaultConfig returns the configuration bounds spec.md §6 specifies.
func DefaultConfig() Config {
	return Config{
		PoolKey:       "hash:pool",
		MaxSize:       1000,
		BatchSize:     100,
		WorkerSize:    4,
		QueueCapacity: 10000,
		RedisAddr:     "localhost:6379",
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
		return nil, fmt.Errorf("hashpool: connect redis: %w", err)
	}

	store, err := urlstore.NewHashStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("hashpool: init hash table: %w", err)
	}

	sink := metrics.NewInProcess()
	pool := NewPool(cache, config.PoolKey)
	locker := distlock.New(cache)

	genMetrics := GenerationMetrics{
		Total:    func(n int64) { sink.Count("hash.generation.total", n) },
		Success:  func(n int64) { sink.Count("hash.generation.success", n) },
		Error:    func(n int64) { sink.Count("hash.generation.error", n) },
		OnTheFly: func(n int64) { sink.Count("hash.generation.on_the_fly", n) },
	}
	generator := NewGenerator(store, pool, config.BatchSize, genMetrics)

	schedMetrics := SchedulerMetrics{
		PoolSize: func(n int64) { sink.Gauge("hash.pool.size", float64(n)) },
	}
	scheduler := NewScheduler(locker, generator, store, pool, config.MaxSize, schedMetrics, PoolLowTopic)

	s := &Service{
		pool:       pool,
		generator:  generator,
		scheduler:  scheduler,
		workers:    NewWorkerPool(config.WorkerSize, config.QueueCapacity),
		cache:      cache,
		store:      store,
		metricsink: sink,
		config:     config,
		stopChan:   make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		warmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.scheduler.WarmStartup(warmCtx); err != nil {
			log.Printf("[WARN] hashpool: startup warm failed: %v", err)
		}
	}()

	return s, nil
}

// Shutdown stops the worker pool and waits for the startup warm
// goroutine, mirroring cache-manager/service.go's Shutdown pattern.
func (s *Service) Shutdown() {
	close(s.stopChan)
	s.workers.Shutdown()
	s.wg.Wait()
}

// refillTick is the private cron-invoked endpoint driving C7.
//
//encore:api private
func refillTick(ctx context.Context) error {
	if svc == nil {
		return fmt.Errorf("hashpool: service not initialized")
	}
	return svc.scheduler.Tick(ctx)
}

// The hashpool-refill cron job runs the refill scheduler on the cadence
// spec.md §6 configures (default every minute).
var _ = cron.NewJob("hashpool-refill", cron.JobConfig{
	Title:    "Hash Pool Refill",
	Schedule: "* * * * *",
	Endpoint: refillTick,
})

// ClaimRequest/ClaimResponse and ReturnRequest/ReturnResponse are the
// cross-service surface the shortener's creation pipeline (C9) uses:
// Claim pops from the shared pool, Return pushes a claimed-but-unused
// hash back (the S3 URL-conflict-race compensation path).

type ClaimResponse struct {
	Hash      string `json:"hash"`
	FromPool  bool   `json:"from_pool"`
}

type ReturnRequest struct {
	Hash string `json:"hash"`
}

type ReturnResponse struct {
	Returned bool `json:"returned"`
}

// Claim pops a hash from the pool (C5). Callers that get ErrEmpty are
// expected to fall back to urlstore.ClaimAvailable themselves — that
// fallback lives in shortener, not here, since it is part of C9's
// pipeline, not the pool's contract.
//
//encore:api private method=POST path=/hashpool/claim
func Claim(ctx context.Context) (*ClaimResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("hashpool: service not initialized")
	}
	hash, err := svc.pool.Pop(ctx)
	if err != nil {
		return nil, err
	}
	svc.metricsink.Count("hash.cache.hit", 1)
	return &ClaimResponse{Hash: hash, FromPool: true}, nil
}

// Return pushes hash back onto the pool, used when a concurrently
// claimed hash loses a URL-conflict race (S3) and must be made
// available to the next caller instead of being stranded unavailable.
//
//encore:api private method=POST path=/hashpool/return
func Return(ctx context.Context, req *ReturnRequest) (*ReturnResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("hashpool: service not initialized")
	}
	if err := svc.pool.Push(ctx, req.Hash); err != nil {
		return nil, err
	}
	svc.metricsink.Count("hash.cache.return", 1)
	return &ReturnResponse{Returned: true}, nil
}

// GenerateNow triggers an out-of-band batch generation, asynchronously
// on the bounded worker pool, for callers that want to force a top-up
// without waiting for the next cron tick (e.g. an admin endpoint the
// transport layer will eventually expose).
//
//encore:api private method=POST path=/hashpool/generate
func GenerateNow(ctx context.Context) error {
	if svc == nil {
		return fmt.Errorf("hashpool: service not initialized")
	}
	svc.workers.Submit(ctx, func(taskCtx context.Context) {
		if _, err := svc.generator.GenerateBatch(taskCtx); err != nil {
			log.Printf("[WARN] hashpool: on-demand generate failed: %v", err)
		}
	})
	return nil
}

// MetricsResponse exposes the sink's current snapshot, modeled on
// cache-manager/service.go's GetMetrics/MetricsResponse.
type MetricsResponse struct {
	Counters map[string]int64   `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

//encore:api public method=GET path=/hashpool/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("hashpool: service not initialized")
	}
	snap := svc.metricsink.Snapshot()
	return &MetricsResponse{Counters: snap.Counters, Gauges: snap.Gauges}, nil
}

// StatsResponse reports operational visibility into the pool and
// worker queue, mirroring pkg/middleware/ratelimit.go's GetStats/Stats
// trio.
type StatsResponse struct {
	PoolSize      int64 `json:"pool_size"`
	QueueSize     int   `json:"queue_size"`
	TargetSize    int64 `json:"target_size"`
}

//encore:api public method=GET path=/hashpool/stats
func GetStats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("hashpool: service not initialized")
	}
	size, err := svc.pool.Size(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		PoolSize:   size,
		QueueSize:  svc.workers.QueueSize(),
		TargetSize: svc.config.MaxSize,
	}, nil
}
