package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// WorkerPool runs blocking processing functions on a fixed number of
// goroutines, independent of the batch concurrency gate. A pool is created
// per run and shut down at teardown, draining in-flight work.
//
// Submit must not be called concurrently with Shutdown; the Processor
// shuts the pool down only after every batch task has completed.
type WorkerPool struct {
	tasks chan poolTask
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type poolTask struct {
	item Item
	fn   BlockingFunc
	out  chan poolResult
}

type poolResult struct {
	value any
	err   error
}

// NewWorkerPool creates a pool with the given number of workers. A size of
// zero uses runtime.NumCPU(). A negative size is an error.
func NewWorkerPool(size int) (*WorkerPool, error) {
	if size < 0 {
		return nil, fmt.Errorf("worker pool size cannot be negative, got %d", size)
	}
	if size == 0 {
		size = runtime.NumCPU()
	}

	p := &WorkerPool{
		tasks: make(chan poolTask),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		value, err := task.fn(task.item)
		task.out <- poolResult{value: value, err: err}
	}
}

// Submit dispatches fn(item) to a worker and waits for the result or for ctx
// to be done. When ctx expires first, Submit returns ctx.Err() immediately;
// the worker finishes the call in the background and its result is dropped.
func (p *WorkerPool) Submit(ctx context.Context, item Item, fn BlockingFunc) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	out := make(chan poolResult, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.tasks <- poolTask{item: item, fn: fn, out: out}:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-out:
		return res.value, res.err
	}
}

// Shutdown stops accepting work and waits for in-flight tasks to drain.
// It is safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}
