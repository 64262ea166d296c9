// Package retry implements a classified-exception retry executor: a
// fixed-attempt, fixed-delay policy that only retries errors a
// Classifier marks retryable. It plays the role the teacher fills with
// ad-hoc retry loops (warming/worker_pool.go's retryTask exponential
// backoff, cache-manager's cache-failure swallowing) but factors the
// policy into a single reusable executor, since this spec needs the
// same retry/backoff/classify shape in three different places (hash
// generation, URL persistence, cleaner saga steps).
package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"encore.app/pkg/shorterr"
)

// Classifier reports whether err should be retried.
type Classifier func(err error) bool

// DefaultClassifier retries only errors tagged TransientBackend; every
// other kind (including untyped errors) is treated as non-retryable,
// matching the spec's "Default: non-retryable" rule.
func DefaultClassifier(err error) bool {
	return shorterr.Is(err, shorterr.KindTransient)
}

// Policy configures the executor. Zero-value Policy resolves to the
// documented defaults via WithDefaults.
type Policy struct {
	MaxAttempts int           // 1..10, default 3
	Delay       time.Duration // 100ms..60s, default 1s
	Classify    Classifier    // default DefaultClassifier
}

// WithDefaults returns a copy of p with unset fields filled in and
// out-of-range values clamped to the documented bounds.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MaxAttempts > 10 {
		p.MaxAttempts = 10
	}
	if p.Delay <= 0 {
		p.Delay = time.Second
	}
	if p.Delay < 100*time.Millisecond {
		p.Delay = 100 * time.Millisecond
	}
	if p.Delay > 60*time.Second {
		p.Delay = 60 * time.Second
	}
	if p.Classify == nil {
		p.Classify = DefaultClassifier
	}
	return p
}

// Op is the operation under retry.
type Op func(ctx context.Context) error

// Execute runs op under p, retrying while p.Classify(err) is true and
// attempts remain, sleeping p.Delay between attempts (or until ctx is
// done). The final failure propagates the original cause unchanged.
func Execute(ctx context.Context, p Policy, op Op) error {
	p = p.WithDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !p.Classify(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		log.Printf("[WARN] retry: attempt %d/%d failed: %v", attempt, p.MaxAttempts, lastErr)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(p.Delay):
		}
	}

	return lastErr
}
