package hashpool

import (
	"context"
	"log"
	"sync"
)

// task is a unit of asynchronous generation work.
type task func(ctx context.Context)

// WorkerPool runs generation tasks on a bounded number of goroutines
// with a bounded queue, adapted from warming/worker_pool.go. Unlike the
// teacher's pool, which drops a task when the queue is full, this one
// runs the task on the submitting goroutine instead (caller-runs),
// matching the spec's overflow policy: callers must never silently
// lose a generation request, only be slowed by one.
type WorkerPool struct {
	tasks    chan task
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorkerPool starts size workers draining a queue of the given
// capacity.
func NewWorkerPool(size, queueCapacity int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if size > 100 {
		size = 100
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}

	p := &WorkerPool{
		tasks:    make(chan task, queueCapacity),
		stopChan: make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case t := <-p.tasks:
			t(context.Background())
		}
	}
}

// Submit enqueues fn for asynchronous execution. If the queue is full,
// fn runs synchronously on the caller's goroutine instead of being
// dropped.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) {
	select {
	case p.tasks <- fn:
	default:
		log.Printf("[WARN] hashpool: worker queue full, running generation inline")
		fn(ctx)
	}
}

// QueueSize returns the number of tasks currently queued but not yet
// started.
func (p *WorkerPool) QueueSize() int {
	return len(p.tasks)
}

// Shutdown stops all workers, waiting for in-flight tasks to finish.
// Queued-but-not-started tasks are abandoned.
func (p *WorkerPool) Shutdown() {
	close(p.stopChan)
	p.wg.Wait()
}
