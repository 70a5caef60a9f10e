package engine

import (
	"context"
	"sync"
)

// task is the unit of work dispatched to a worker.
type task[T any] struct {
	payload T
}

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// Submission never blocks; a full queue is reported to the caller, which
// answers "no campaign" rather than stalling the storefront.
type workerPool[T any] struct {
	queue   chan task[T]
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue
// capacity depth.
func newWorkerPool[T any](ctx context.Context, n, depth int, fn func(context.Context, T)) *workerPool[T] {
	p := &workerPool[T]{
		queue:   make(chan task[T], depth),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, t.payload)
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues work without blocking; false means the queue is full.
func (p *workerPool[T]) Submit(payload T) bool {
	select {
	case p.queue <- task[T]{payload: payload}:
		return true
	default:
		return false
	}
}

// Drain closes the queue and waits for all workers to finish.
func (p *workerPool[T]) Drain() {
	close(p.queue)
	p.wg.Wait()
}

// QueueLen returns how many tasks are currently queued.
func (p *workerPool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T]) QueueCap() int {
	return cap(p.queue)
}
