package batch

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/bluemonitor/batchkit/cache"
	"github.com/bluemonitor/batchkit/monitor"
)

const (
	// minBatchSize is the floor for the adaptive batch size.
	minBatchSize = 1

	// bytesPerItemBudget is the memory budget assumed per in-flight item
	// when deriving the resource ceiling for the batch size.
	bytesPerItemBudget = 4 << 20 // 4 MiB

	// throttlePause is the fixed pause inserted before a chunk when
	// resource thresholds are exceeded. A simple backpressure valve, not
	// closed-loop scaling.
	throttlePause = 500 * time.Millisecond

	// retryPause is the pause between serial attempts in a retry round.
	retryPause = 100 * time.Millisecond
)

// Monitor is the resource monitor contract the Processor depends on.
// *monitor.Monitor is the production implementation.
type Monitor interface {
	// Start runs the sampling loop until Stop or ctx cancellation. It
	// blocks, so the Processor runs it on its own goroutine.
	Start(ctx context.Context)

	// Stop signals the loop to end after its current cycle.
	Stop()

	// Latest returns the most recent sample, or a conservative default.
	Latest() monitor.Sample

	// ShouldThrottle reports whether resource thresholds are exceeded.
	ShouldThrottle(memThreshold uint64, cpuThreshold float64) bool
}

// Processor drives batch runs: partitioning, concurrency-gated dispatch,
// caching, timeout and retry handling, and metrics consolidation.
//
// To create one, call NewProcessor. The With methods configure optional
// collaborators and must be called before the first run.
type Processor struct {
	cfg       Config
	logger    zerolog.Logger
	cache     *cache.Manager
	mon       Monitor
	collector *Collector
	poolSize  int
	cores     int

	mu      sync.Mutex
	running bool
}

// NewProcessor creates a Processor with the given run policy. Zero values in
// cfg take their defaults.
func NewProcessor(cfg Config) *Processor {
	return &Processor{
		cfg:    cfg.withDefaults(),
		logger: zerolog.Nop(),
		cores:  runtime.NumCPU(),
	}
}

// WithLogger sets the logger for the Processor.
// Panics if called while a run is active.
func (p *Processor) WithLogger(logger zerolog.Logger) *Processor {
	p.guardConfigure()
	p.logger = logger
	return p
}

// WithCache attaches a cache manager. When set, each item's prior result is
// looked up before any work runs, and successful results are written back.
// Panics if called while a run is active.
func (p *Processor) WithCache(manager *cache.Manager) *Processor {
	p.guardConfigure()
	p.cache = manager
	return p
}

// WithMonitor sets a custom resource monitor. If not set, each run creates
// its own monitor.Monitor with the default sampling interval.
// Panics if called while a run is active.
func (p *Processor) WithMonitor(mon Monitor) *Processor {
	p.guardConfigure()
	p.mon = mon
	return p
}

// WithCollector attaches a Prometheus collector fed as runs progress.
// Panics if called while a run is active.
func (p *Processor) WithCollector(collector *Collector) *Processor {
	p.guardConfigure()
	p.collector = collector
	return p
}

// WithPoolSize overrides the worker pool size used for blocking work.
// Zero means runtime.NumCPU().
// Panics if called while a run is active.
func (p *Processor) WithPoolSize(size int) *Processor {
	p.guardConfigure()
	p.poolSize = size
	return p
}

func (p *Processor) guardConfigure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		panic("batch: Processor cannot be configured while a run is active")
	}
}

// ProcessBatch processes items with the given work and returns the run's
// Metrics. It returns an error only for unrecoverable setup failures;
// individual item failures are absorbed into the Metrics.
//
// An empty items slice returns zeroed terminal Metrics immediately.
// Concurrent calls to ProcessBatch on one Processor are not allowed and
// panic, matching the single-run lifecycle of the monitor and pool.
func (p *Processor) ProcessBatch(ctx context.Context, items []Item, work Work, progress ProgressFunc) (*Metrics, error) {
	if !work.valid() {
		return nil, SetupError{Err: errors.New("no processing function provided")}
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, SetupError{Err: err}
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		panic("batch: concurrent calls to ProcessBatch are not allowed")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	metrics := newMetrics(len(items))
	logger := p.logger.With().Str("run_id", metrics.RunID).Logger()

	if len(items) == 0 {
		metrics.EndTime = time.Now().UTC()
		return metrics, nil
	}

	// Resource monitor lifecycle is owned by the run.
	mon := p.mon
	if mon == nil {
		mon = monitor.New(monitor.DefaultInterval).WithLogger(logger)
	}
	mctx, cancelMonitor := context.WithCancel(context.Background())
	go mon.Start(mctx)
	defer func() {
		mon.Stop()
		cancelMonitor()
	}()

	var pool *WorkerPool
	if work.needsPool() {
		var err error
		pool, err = NewWorkerPool(p.poolSize)
		if err != nil {
			return nil, SetupError{Err: err}
		}
		defer pool.Shutdown()
	}

	size := p.idealBatchSize(len(items), mon)
	batches := partition(items, size)

	logger.Info().
		Int("items", len(items)).
		Int("batches", len(batches)).
		Int("batch_size", size).
		Msg("starting batch run")

	r := &run{
		cfg:       p.cfg,
		logger:    logger,
		cache:     p.cache,
		mon:       mon,
		pool:      pool,
		work:      work,
		progress:  progress,
		collector: p.collector,
		metrics:   metrics,
	}

	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrentBatches))
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(num int, batchItems []Item) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Int("batch", num).Msg("batch task panicked")
				}
			}()

			if err := sem.Acquire(ctx, 1); err != nil {
				logger.Error().Err(err).Int("batch", num).Msg("batch admission canceled")
				r.failBatch(batchItems, err)
				return
			}
			defer sem.Release(1)

			r.collector.batchStarted()
			start := time.Now()
			r.runBatch(ctx, num, batchItems)
			duration := time.Since(start)
			r.collector.batchFinished(duration.Seconds())
			r.recordBatch(duration, mon.Latest())

			logger.Debug().
				Int("batch", num).
				Int("size", len(batchItems)).
				Dur("duration", duration).
				Msg("batch complete")
		}(i, b)
	}
	wg.Wait()

	if p.cfg.RetryFailedItems {
		r.retryFailed(ctx)
	}

	r.finalize()
	logger.Info().
		Int("processed", metrics.ProcessedItems).
		Int("failed", metrics.FailedItems).
		Int("cache_hits", metrics.CacheHits).
		Msg("batch run complete")

	return metrics, nil
}

// idealBatchSize computes the effective batch size: the configured maximum,
// lowered by a memory-derived ceiling and by spreading the input across the
// available cores, floored at a small positive minimum. This is a heuristic,
// not a guaranteed bound.
func (p *Processor) idealBatchSize(n int, mon Monitor) int {
	size := p.cfg.BatchSize

	s := mon.Latest()
	if s.MemoryPercent > 0 {
		total := float64(s.MemoryUsed) / (s.MemoryPercent / 100)
		available := total - float64(s.MemoryUsed)
		if ceil := int(available / bytesPerItemBudget); ceil > 0 && ceil < size {
			size = ceil
		}
	}

	if p.cores > 0 {
		if byCore := n / p.cores; byCore > 0 && byCore < size {
			size = byCore
		}
	}

	if size < minBatchSize {
		size = minBatchSize
	}
	return size
}

// partition splits items into contiguous, non-overlapping batches of at most
// size items, preserving the original order. Concatenating the batches
// reproduces items exactly.
func partition(items []Item, size int) [][]Item {
	batches := make([][]Item, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

// run holds the shared mutable state of one ProcessBatch invocation.
type run struct {
	cfg       Config
	logger    zerolog.Logger
	cache     *cache.Manager
	mon       Monitor
	pool      *WorkerPool
	work      Work
	progress  ProgressFunc
	collector *Collector

	mu      sync.Mutex
	metrics *Metrics
	done    int
	queue   retryQueue
}

// runBatch executes one batch: cache probe, then chunked fan-out of the
// remaining items with throttling between chunks.
func (r *run) runBatch(ctx context.Context, num int, items []Item) {
	pending := items
	if r.cache != nil {
		misses := make([]Item, 0, len(items))
		hits := 0
		for _, item := range items {
			key := cache.Key(item.Signature())
			if _, ok := r.cache.Get(ctx, cache.KindResult, key); ok {
				hits++
			} else {
				misses = append(misses, item)
			}
		}
		if hits > 0 {
			r.recordHits(hits)
			r.notifyProgress()
			r.logger.Debug().Int("batch", num).Int("hits", hits).Msg("cache hits")
		}
		pending = misses
	}

	for start := 0; start < len(pending); start += r.cfg.ChunkSize {
		end := start + r.cfg.ChunkSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		if r.mon.ShouldThrottle(r.cfg.MemoryThreshold, r.cfg.CPUThreshold) {
			r.logger.Debug().Int("batch", num).Msg("resource thresholds exceeded, pausing before chunk")
			sleepCtx(ctx, throttlePause)
		}

		r.runChunk(ctx, chunk)
		r.notifyProgress()
	}
}

// runChunk fans out one chunk concurrently. The chunk resolves when every
// item finishes or the configured timeout elapses, whichever comes first;
// items unresolved at the deadline are recorded failed with a timeout error.
func (r *run) runChunk(ctx context.Context, chunk []Item) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type outcome struct {
		idx   int
		value any
		err   error
	}
	outcomes := make(chan outcome, len(chunk))
	for i, item := range chunk {
		go func(idx int, item Item) {
			value, err := r.work.run(cctx, r.pool, item)
			outcomes <- outcome{idx: idx, value: value, err: err}
		}(i, item)
	}

	resolved := make([]bool, len(chunk))
	for n := 0; n < len(chunk); n++ {
		select {
		case out := <-outcomes:
			resolved[out.idx] = true
			item := chunk[out.idx]
			if out.err != nil {
				r.recordFailure(item, out.err)
			} else {
				r.cacheStore(ctx, item, out.value)
				r.recordSuccess()
			}

		case <-cctx.Done():
			// Deadline or run cancellation: everything still unresolved in
			// this chunk fails; other chunks and batches are unaffected.
			var cause error = ChunkTimeoutError{Timeout: r.cfg.Timeout}
			if !errors.Is(cctx.Err(), context.DeadlineExceeded) {
				cause = cctx.Err()
			}
			for i, ok := range resolved {
				if !ok {
					r.recordFailure(chunk[i], cause)
				}
			}
			return
		}
	}
}

// retryFailed runs up to MaxRetries serial rounds over the failed-item
// queue. Each round snapshots and clears the queue; items that still fail
// are requeued with their attempt count incremented, or dropped as permanent
// failures once they reach MaxRetries.
func (r *run) retryFailed(ctx context.Context) {
	for round := 1; round <= r.cfg.MaxRetries; round++ {
		failed := r.queue.drain()
		if len(failed) == 0 {
			return
		}
		r.logger.Info().Int("round", round).Int("items", len(failed)).Msg("retrying failed items")

		for _, f := range failed {
			if ctx.Err() != nil {
				r.logger.Warn().Err(ctx.Err()).Msg("retry phase canceled")
				return
			}

			r.collector.addRetryAttempt()
			actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			value, err := r.work.run(actx, r.pool, f.item)
			cancel()

			if err == nil {
				r.cacheStore(ctx, f.item, value)
				r.recordRetrySuccess()
			} else {
				f.attempts++
				f.err = err
				if f.attempts >= r.cfg.MaxRetries {
					r.logger.Warn().
						Str("item", f.item.ID()).
						Err(err).
						Int("attempts", f.attempts).
						Msg("dropping item as permanent failure")
				} else {
					r.queue.requeue(f)
				}
			}

			sleepCtx(ctx, retryPause)
		}
	}
}

// cacheStore writes a successful result back to the cache, best effort.
func (r *run) cacheStore(ctx context.Context, item Item, value any) {
	if r.cache == nil || value == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		r.logger.Debug().Err(err).Str("item", item.ID()).Msg("result not cacheable")
		return
	}
	r.cache.Set(ctx, cache.KindResult, cache.Key(item.Signature()), raw)
}

func (r *run) recordHits(n int) {
	r.mu.Lock()
	r.metrics.CacheHits += n
	r.metrics.ProcessedItems += n
	r.done += n
	r.mu.Unlock()
	r.collector.addCacheHits(n)
	r.collector.addProcessed(n)
}

func (r *run) recordSuccess() {
	r.mu.Lock()
	r.metrics.ProcessedItems++
	r.done++
	r.mu.Unlock()
	r.collector.addProcessed(1)
}

func (r *run) recordFailure(item Item, cause error) {
	err := ItemError{ItemID: item.ID(), Err: cause}
	r.logger.Debug().Err(err).Msg("item failed")
	r.mu.Lock()
	r.metrics.FailedItems++
	r.mu.Unlock()
	r.queue.add(item, err)
}

// recordRetrySuccess moves an item from failed to processed.
func (r *run) recordRetrySuccess() {
	r.mu.Lock()
	r.metrics.ProcessedItems++
	r.metrics.FailedItems--
	r.done++
	r.mu.Unlock()
	r.collector.addProcessed(1)
}

// failBatch records every item of a batch as failed, used when the batch
// task could not be admitted at all.
func (r *run) failBatch(items []Item, cause error) {
	for _, item := range items {
		r.recordFailure(item, cause)
	}
}

func (r *run) recordBatch(duration time.Duration, sample monitor.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.BatchDurations = append(r.metrics.BatchDurations, duration)
	r.metrics.Samples = append(r.metrics.Samples, sample)
}

// notifyProgress invokes the progress callback with the cumulative success
// count. Callback panics are recovered, logged and ignored.
func (r *run) notifyProgress() {
	if r.progress == nil {
		return
	}
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Interface("panic", rec).Msg("progress callback panicked")
		}
	}()
	r.progress(done)
}

// finalize stamps the end time and reconciles the failure count so the
// returned Metrics always satisfies
// TotalItems == ProcessedItems + FailedItems, even if a batch task died
// without recording outcomes for all of its items.
func (r *run) finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	expected := r.metrics.TotalItems - r.metrics.ProcessedItems
	if r.metrics.FailedItems != expected {
		r.logger.Warn().
			Int("recorded", r.metrics.FailedItems).
			Int("expected", expected).
			Msg("reconciling failure count")
		r.metrics.FailedItems = expected
	}
	r.collector.addFailed(r.metrics.FailedItems)
	r.metrics.EndTime = time.Now().UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
