// Package batch provides an adaptive batch/chunk processing engine for large
// collections of work items. The main type is Processor, created with
// NewProcessor. A run takes a slice of items and a caller-supplied Work
// function, partitions the items into resource-sized batches, dispatches the
// batches through a bounded concurrency gate, and processes each batch in
// fixed-size chunks under a per-chunk timeout.
//
// Prior results are looked up in an optional cache before any work runs;
// hits count as processed immediately. Failed items are retried in serial
// rounds after all batches complete, up to a configured maximum, after which
// they are dropped as permanent failures.
//
// Item- and chunk-level failures never abort a run: they are absorbed into
// the returned Metrics. The only error ProcessBatch returns is a SetupError
// for unrecoverable initialization failures.
//
// No ordering is promised among items within a chunk or among batches. The
// contract is that each input item yields exactly one terminal outcome per
// run, so the returned Metrics always satisfies
//
//	TotalItems == ProcessedItems + FailedItems
package batch
