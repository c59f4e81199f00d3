// Package batchkit processes large collections of work items through a
// caller-supplied operation under bounded memory, CPU and concurrency
// pressure, with caching of prior results and automatic retry of transient
// failures.
//
// The engine lives in the batch package; this package provides a fluent
// Builder for assembling a configured processor:
//
//	proc := batchkit.NewBuilder().
//		WithBatchSize(50).
//		WithChunkSize(5).
//		WithCache(manager).
//		Build()
//
//	metrics, err := proc.ProcessBatch(ctx, items, work, nil)
//
// See the batch, cache and monitor packages for the individual components.
package batchkit

import (
	"context"

	"github.com/bluemonitor/batchkit/batch"
)

// Processor is the run contract exposed by the engine.
type Processor interface {
	ProcessBatch(ctx context.Context, items []batch.Item, work batch.Work, progress batch.ProgressFunc) (*batch.Metrics, error)
}

var _ Processor = (*batch.Processor)(nil)
