// Package cleaner implements the age-based URL deletion saga (C12):
// rows older than retentionYears are deleted from the URL table in
// batches, and their hashes are released back to availability in the
// hash table. It depends only on pkg/urlstore, pkg/distlock and
// pkg/retry — never on shortener or hashpool — so the cache never
// calls back into its observers, the same design rule the pool refill
// scheduler follows.
package cleaner

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"encore.app/pkg/distlock"
	"encore.app/pkg/retry"
)

// lockName is the name the cleaner and nothing else locks under.
const lockName = "cleanOldUrls"

// DefaultLockAtLeastFor and DefaultLockAtMostFor are spec.md §4.12's
// values.
const (
	DefaultLockAtLeastFor = 5 * time.Minute
	DefaultLockAtMostFor  = time.Hour
)

// DefaultRetentionYears and DefaultBatchSize are spec.md §4.12's
// defaults.
const (
	DefaultRetentionYears = 1
	DefaultBatchSize      = 1000
)

// urlTable is the narrow slice of pkg/urlstore.URLStore the cleaner
// needs to find and delete aged rows.
type urlTable interface {
	FindOldHashes(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteByHashes(ctx context.Context, hashes []string) error
}

// hashTable is the narrow slice of pkg/urlstore.HashStore the cleaner
// needs to release and, on compensation, un-release hashes.
type hashTable interface {
	ReleaseAvailable(ctx context.Context, hashes []string) error
	Delete(ctx context.Context, hashes []string) error
}

// Metrics reports the counters the cleaner contributes to the sink.
type Metrics struct {
	Deleted     func(n int64)
	Compensated func(n int64)
}

// Cleaner runs the compensating saga described in spec.md §4.12.
type Cleaner struct {
	locker         *distlock.Locker
	urls           urlTable
	hashes         hashTable
	metrics        Metrics
	retentionYears int
	batchSize      int
	retryPolicy    retry.Policy
	atLeastFor     time.Duration
	atMostFor      time.Duration

	shuttingDown func() bool
}

// Config holds the cleaner's tunables.
type Config struct {
	RetentionYears int
	BatchSize      int
	RetryPolicy    retry.Policy
}

// DefaultConfig returns spec.md §4.12's defaults.
func DefaultConfig() Config {
	return Config{
		RetentionYears: DefaultRetentionYears,
		BatchSize:      DefaultBatchSize,
		RetryPolicy:    retry.Policy{},
	}
}

// New creates a Cleaner. shuttingDown is polled between the release
// and delete steps of every batch; a nil shuttingDown behaves as if it
// always returns false (never compensates).
func New(locker *distlock.Locker, urls urlTable, hashes hashTable, config Config, metrics Metrics, shuttingDown func() bool) *Cleaner {
	if config.RetentionYears <= 0 {
		config.RetentionYears = DefaultRetentionYears
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if shuttingDown == nil {
		shuttingDown = func() bool { return false }
	}
	return &Cleaner{
		locker:         locker,
		urls:           urls,
		hashes:         hashes,
		metrics:        metrics,
		retentionYears: config.RetentionYears,
		batchSize:      config.BatchSize,
		retryPolicy:    config.RetryPolicy,
		atLeastFor:     DefaultLockAtLeastFor,
		atMostFor:      DefaultLockAtMostFor,
		shuttingDown:   shuttingDown,
	}
}

// WithLockDurations overrides the lock's atLeastFor/atMostFor, for
// tests that can't afford the real 5m minimum hold.
func (c *Cleaner) WithLockDurations(atLeastFor, atMostFor time.Duration) *Cleaner {
	c.atLeastFor = atLeastFor
	c.atMostFor = atMostFor
	return c
}

// Run drives the cleaner's cron trigger: acquires the cluster-wide
// lock, then processes batches until FindOldHashes returns empty, the
// shutdown flag stops it, or a batch fails after retries. If the lock
// is already held by another instance this returns nil — that instance
// is doing the work, not an error condition.
func (c *Cleaner) Run(ctx context.Context) error {
	handle, err := c.locker.Acquire(ctx, lockName, c.atLeastFor, c.atMostFor)
	if err != nil {
		if errors.Is(err, distlock.ErrNotAcquired) {
			return nil
		}
		return err
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			log.Printf("[WARN] cleaner: release failed: %v", err)
		}
	}()

	cutoff := time.Now().AddDate(-c.retentionYears, 0, 0)

	// Each batch runs as a single errgroup task against a shared,
	// cancellation-propagating context: a batch failure cancels gctx,
	// so a retry.Execute call already sleeping between attempts inside
	// a later batch (there never is one, since SetLimit(1) serializes
	// batches, but a caller-initiated ctx cancellation reaches the same
	// select) wakes immediately instead of running out its full delay.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(1)

	for {
		if c.shuttingDown() {
			break
		}

		hashes, err := c.urls.FindOldHashes(gctx, cutoff, c.batchSize)
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			break
		}

		batch := hashes
		g.Go(func() error {
			return c.processBatch(gctx, batch)
		})
		if err := g.Wait(); err != nil {
			return err
		}
		g, gctx = errgroup.WithContext(ctx)
		g.SetLimit(1)
	}

	return nil
}

// processBatch runs one batch's release-then-delete pair under the
// retry policy, compensating if shutdown lands between the two steps.
//
// Ordering 2-before-3 (release before delete) keeps the invariant
// "URL row implies hash(available=false)" from ever being transiently
// visible as violated to a reader racing this saga; compensation keeps
// C2 from accumulating orphan available rows if the run is cut short
// between the two steps.
func (c *Cleaner) processBatch(ctx context.Context, hashes []string) error {
	err := retry.Execute(ctx, c.retryPolicy, func(ctx context.Context) error {
		if err := c.hashes.ReleaseAvailable(ctx, hashes); err != nil {
			return err
		}

		if c.shuttingDown() {
			return errShutdownBetweenSteps
		}

		return c.urls.DeleteByHashes(ctx, hashes)
	})

	if errors.Is(err, errShutdownBetweenSteps) {
		if compErr := c.hashes.Delete(ctx, hashes); compErr != nil {
			return compErr
		}
		c.reportCompensated(int64(len(hashes)))
		return nil
	}
	if err != nil {
		return err
	}

	c.reportDeleted(int64(len(hashes)))
	return nil
}

// errShutdownBetweenSteps signals processBatch's retry.Execute closure
// to stop without retrying and trigger compensation; it is never
// classified retryable since it carries no shorterr.Kind.
var errShutdownBetweenSteps = errors.New("cleaner: shutdown observed between release and delete")

func (c *Cleaner) reportDeleted(n int64) {
	if c.metrics.Deleted != nil {
		c.metrics.Deleted(n)
	}
}

func (c *Cleaner) reportCompensated(n int64) {
	if c.metrics.Compensated != nil {
		c.metrics.Compensated(n)
	}
}
