package hashpool

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"encore.app/pkg/distlock"
	"encore.app/pkg/retry"
)

// publisher is the narrow view of PoolLowTopic the scheduler needs,
// letting tests substitute a no-op rather than requiring an Encore
// runtime to publish against.
type publisher interface {
	Publish(ctx context.Context, event *PoolLowEvent) (string, error)
}

// lockName is the name the refill scheduler and nothing else locks
// under, per the distributed-lock contract in the spec.
const lockName = "generateHashBatch"

// DefaultLockAtLeastFor and DefaultLockAtMostFor are spec.md §4.7's
// values: long enough that two instances can't race a refill, short
// enough that a crashed holder doesn't starve the pool indefinitely.
const (
	DefaultLockAtLeastFor = 30 * time.Second
	DefaultLockAtMostFor  = 5 * time.Minute
)

// claimer is the narrow slice of pkg/urlstore.HashTable the scheduler
// needs to top the pool back up from rows C6 already marked available.
type claimer interface {
	ClaimAvailable(ctx context.Context, n int) ([]string, error)
}

// SchedulerMetrics reports the pool's gauge to the sink.
type SchedulerMetrics struct {
	PoolSize func(n int64)
}

// Scheduler runs the periodic refill tick (C7): guarded by a
// distributed lock so only one process instance refills at a time,
// it asks the generator to mint a fresh batch and tops the pool up
// from already-available C2 rows until it reaches maxSize.
type Scheduler struct {
	locker     *distlock.Locker
	generator  *Generator
	table      claimer
	pool       *Pool
	metrics    SchedulerMetrics
	maxSize    int64
	lowEvents  publisher
	atLeastFor time.Duration
	atMostFor  time.Duration
}

// NewScheduler creates a Scheduler with the spec's default lock
// durations (30s/5m). maxSize bounds how full the pool is topped up to
// on each tick. lowEvents may be nil, in which case pool-low conditions
// are only reflected in the metrics gauge.
func NewScheduler(locker *distlock.Locker, generator *Generator, table claimer, pool *Pool, maxSize int64, metrics SchedulerMetrics, lowEvents publisher) *Scheduler {
	return &Scheduler{
		locker:     locker,
		generator:  generator,
		table:      table,
		pool:       pool,
		maxSize:    maxSize,
		metrics:    metrics,
		lowEvents:  lowEvents,
		atLeastFor: DefaultLockAtLeastFor,
		atMostFor:  DefaultLockAtMostFor,
	}
}

// WithLockDurations overrides the lock's atLeastFor/atMostFor, for
// tests that can't afford to wait out the real 30s minimum hold.
func (s *Scheduler) WithLockDurations(atLeastFor, atMostFor time.Duration) *Scheduler {
	s.atLeastFor = atLeastFor
	s.atMostFor = atMostFor
	return s
}

// Tick runs one refill cycle under the distributed lock. If the lock
// is already held by another instance this returns nil — that instance
// is doing the work, not an error condition.
func (s *Scheduler) Tick(ctx context.Context) error {
	handle, err := s.locker.Acquire(ctx, lockName, s.atLeastFor, s.atMostFor)
	if err != nil {
		if errors.Is(err, distlock.ErrNotAcquired) {
			return nil
		}
		return err
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			log.Printf("[WARN] hashpool: scheduler release failed: %v", err)
		}
	}()

	genErr := retry.Execute(ctx, retry.Policy{}, func(ctx context.Context) error {
		_, err := s.generator.GenerateBatch(ctx)
		return err
	})
	if genErr != nil {
		log.Printf("[WARN] hashpool: scheduler generate failed: %v", genErr)
	}

	return s.topUp(ctx)
}

// topUp claims already-available C2 rows and pushes them into the pool
// until it reaches maxSize or C2 has nothing left to claim.
func (s *Scheduler) topUp(ctx context.Context) error {
	for {
		size, err := s.pool.Size(ctx)
		if err != nil {
			return err
		}
		if size >= s.maxSize {
			s.reportSize(size)
			return nil
		}

		want := int(s.maxSize - size)
		claimed, err := s.table.ClaimAvailable(ctx, want)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			s.reportSize(size)
			s.reportLow(ctx, size)
			return nil
		}
		if err := s.pool.PushMany(ctx, claimed); err != nil {
			return err
		}
	}
}

func (s *Scheduler) reportSize(size int64) {
	if s.metrics.PoolSize != nil {
		s.metrics.PoolSize(size)
	}
}

// reportLow publishes a PoolLowEvent when the pool couldn't be topped
// up to maxSize because C2 has no more available rows. A publish
// failure is logged, not propagated — the scheduler's own correctness
// never depends on this event reaching a subscriber.
func (s *Scheduler) reportLow(ctx context.Context, size int64) {
	if s.lowEvents == nil || size >= s.maxSize {
		return
	}
	event := &PoolLowEvent{
		Version:    EventVersion1,
		Size:       size,
		Target:     s.maxSize,
		ObservedAt: time.Now(),
	}
	if _, err := s.lowEvents.Publish(ctx, event); err != nil {
		log.Printf("[WARN] hashpool: publish pool-low event failed: %v", err)
	}
}

// WarmStartup runs the refill tick three times unconditionally,
// mirroring the spec's "refill runs three times unconditionally to warm
// the pool" startup behavior. Uses errgroup with a concurrency limit of
// one rather than a plain for-loop so the three attempts still run on
// the errgroup's cancellation-propagating machinery (an early failure
// aborts the remaining attempts) while never holding the distributed
// lock from two attempts at once.
func (s *Scheduler) WarmStartup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(1)
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			return s.Tick(gctx)
		})
	}
	return g.Wait()
}
