package batchkit

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bluemonitor/batchkit/batch"
	"github.com/bluemonitor/batchkit/cache"
)

// Builder assembles a configured batch.Processor. The With methods do not
// modify the Builder they operate on, and instead return a new Builder based
// on the original, so a partially configured Builder can be reused safely.
type Builder struct {
	cfg       batch.Config
	logger    zerolog.Logger
	manager   *cache.Manager
	mon       batch.Monitor
	collector *batch.Collector
	poolSize  int
}

// NewBuilder returns a Builder preloaded with the default configuration.
func NewBuilder() *Builder {
	return &Builder{
		cfg:    batch.DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the entire run policy.
func (b *Builder) WithConfig(cfg batch.Config) *Builder {
	nb := *b
	nb.cfg = cfg
	return &nb
}

// WithBatchSize sets the maximum number of items per batch.
func (b *Builder) WithBatchSize(size int) *Builder {
	nb := *b
	nb.cfg.BatchSize = size
	return &nb
}

// WithMaxConcurrentBatches caps how many batch tasks run at once.
func (b *Builder) WithMaxConcurrentBatches(n int) *Builder {
	nb := *b
	nb.cfg.MaxConcurrentBatches = n
	return &nb
}

// WithChunkSize sets the number of items fanned out under one timeout.
func (b *Builder) WithChunkSize(size int) *Builder {
	nb := *b
	nb.cfg.ChunkSize = size
	return &nb
}

// WithTimeout sets the per-chunk deadline.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	nb := *b
	nb.cfg.Timeout = timeout
	return &nb
}

// WithThresholds sets the memory (bytes used) and CPU (percent) levels above
// which chunk dispatch is throttled.
func (b *Builder) WithThresholds(memory uint64, cpu float64) *Builder {
	nb := *b
	nb.cfg.MemoryThreshold = memory
	nb.cfg.CPUThreshold = cpu
	return &nb
}

// WithRetries configures the retry phase.
func (b *Builder) WithRetries(enabled bool, maxRetries int) *Builder {
	nb := *b
	nb.cfg.RetryFailedItems = enabled
	nb.cfg.MaxRetries = maxRetries
	return &nb
}

// WithLogger sets the logger for the processor.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	nb := *b
	nb.logger = logger
	return &nb
}

// WithCache attaches a cache manager.
func (b *Builder) WithCache(manager *cache.Manager) *Builder {
	nb := *b
	nb.manager = manager
	return &nb
}

// WithMonitor sets a custom resource monitor.
func (b *Builder) WithMonitor(mon batch.Monitor) *Builder {
	nb := *b
	nb.mon = mon
	return &nb
}

// WithCollector attaches a Prometheus collector.
func (b *Builder) WithCollector(collector *batch.Collector) *Builder {
	nb := *b
	nb.collector = collector
	return &nb
}

// WithPoolSize overrides the worker pool size used for blocking work.
func (b *Builder) WithPoolSize(size int) *Builder {
	nb := *b
	nb.poolSize = size
	return &nb
}

// Build creates the processor described by the Builder.
func (b *Builder) Build() *batch.Processor {
	p := batch.NewProcessor(b.cfg).
		WithLogger(b.logger).
		WithPoolSize(b.poolSize)
	if b.manager != nil {
		p = p.WithCache(b.manager)
	}
	if b.mon != nil {
		p = p.WithMonitor(b.mon)
	}
	if b.collector != nil {
		p = p.WithCollector(b.collector)
	}
	return p
}
