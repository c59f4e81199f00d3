package batch

import "context"

// Item is one unit of work submitted to the engine. The engine never
// inspects payload semantics; it only needs a stable identifier and a
// content signature from which a deterministic cache key can be derived.
type Item interface {
	// ID returns a stable identifier for the item.
	ID() string

	// Signature returns a content signature. Items with equal signatures
	// are considered equivalent for caching purposes.
	Signature() string
}

// NewItem returns a minimal Item with the given identifier and signature.
// Callers with richer payloads implement Item on their own types.
func NewItem(id, signature string) Item {
	return simpleItem{id: id, signature: signature}
}

type simpleItem struct {
	id        string
	signature string
}

func (i simpleItem) ID() string        { return i.id }
func (i simpleItem) Signature() string { return i.signature }

// NativeFunc is a non-blocking processing function. It must honor ctx
// cancellation; the engine cancels it when the chunk deadline passes.
type NativeFunc func(ctx context.Context, item Item) (any, error)

// BlockingFunc is a synchronous processing function. The engine dispatches
// it to a bounded worker pool so that a slow call cannot monopolize the
// scheduler. A BlockingFunc that never returns holds its worker until it
// does; its item is still recorded failed when the chunk deadline passes.
type BlockingFunc func(item Item) (any, error)

// Work is the processing operation for a run. The caller states explicitly
// whether the function is native (non-blocking) or blocking; the engine
// never inspects the callable to guess.
type Work struct {
	native   NativeFunc
	blocking BlockingFunc
}

// NativeWork wraps a non-blocking processing function.
func NativeWork(fn NativeFunc) Work {
	return Work{native: fn}
}

// BlockingWork wraps a synchronous processing function, routed through the
// worker pool.
func BlockingWork(fn BlockingFunc) Work {
	return Work{blocking: fn}
}

func (w Work) valid() bool {
	return w.native != nil || w.blocking != nil
}

// run executes the work for one item, routing blocking functions through
// the pool.
func (w Work) run(ctx context.Context, pool *WorkerPool, item Item) (any, error) {
	if w.native != nil {
		return w.native(ctx, item)
	}
	return pool.Submit(ctx, item, w.blocking)
}

// needsPool reports whether the work requires a worker pool.
func (w Work) needsPool() bool {
	return w.blocking != nil
}

// ProgressFunc is invoked after each chunk completes with the cumulative
// count of successes so far in the run. Panics inside the callback are
// recovered, logged and ignored.
type ProgressFunc func(done int)
