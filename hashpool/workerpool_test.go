package hashpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	p := NewWorkerPool(2, 10)
	defer p.Shutdown()

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		p.Submit(context.Background(), func(ctx context.Context) {
			n.Add(1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete in time")
	}

	if got := n.Load(); got != 5 {
		t.Fatalf("ran %d tasks, want 5", got)
	}
}

func TestWorkerPoolCallerRunsOnOverflow(t *testing.T) {
	// A single worker blocked on a gate, and a queue of capacity 1, so a
	// third submission must overflow to caller-runs instead of being
	// dropped — the spec's overflow policy, unlike the teacher's
	// drop-on-full warming pool.
	p := NewWorkerPool(1, 1)
	defer p.Shutdown()

	gate := make(chan struct{})
	p.Submit(context.Background(), func(ctx context.Context) {
		<-gate // occupies the sole worker
	})

	// Fill the queue.
	var queued atomic.Bool
	p.Submit(context.Background(), func(ctx context.Context) {
		queued.Store(true)
	})

	// Give the first two submissions a moment to land.
	time.Sleep(50 * time.Millisecond)

	ranInline := false
	p.Submit(context.Background(), func(ctx context.Context) {
		ranInline = true
	})
	if !ranInline {
		t.Fatal("overflowing task should have run inline (caller-runs), was dropped instead")
	}

	close(gate)
}

func TestWorkerPoolSubmitAfterShutdownDoesNotBlock(t *testing.T) {
	p := NewWorkerPool(2, 10)
	p.Shutdown()

	ran := false
	p.Submit(context.Background(), func(ctx context.Context) {
		ran = true
	})
	// After shutdown, no worker drains the queue, so a task that fits in
	// the queue buffer is simply never run — this only verifies Submit
	// itself doesn't block or panic post-shutdown.
	_ = ran
}
