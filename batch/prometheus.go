package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports engine activity as Prometheus metrics. Attach one to a
// Processor with WithCollector; the engine feeds it as runs progress. The
// collector is optional and never a correctness dependency.
type Collector struct {
	itemsProcessed  prometheus.Counter
	itemsFailed     prometheus.Counter
	cacheHits       prometheus.Counter
	retryAttempts   prometheus.Counter
	batchesInFlight prometheus.Gauge
	batchDuration   prometheus.Histogram
}

// NewCollector creates a Collector with all engine metrics under the given
// namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		itemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_processed_total",
			Help:      "Total number of items processed successfully",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_failed_total",
			Help:      "Total number of items that ended as permanent failures",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "cache_hits_total",
			Help:      "Total number of items satisfied from the cache",
		}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts across all rounds",
		}),
		batchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "batches_in_flight",
			Help:      "Number of batch tasks currently executing",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register registers all collectors on the given registerer.
func (c *Collector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.itemsProcessed,
		c.itemsFailed,
		c.cacheHits,
		c.retryAttempts,
		c.batchesInFlight,
		c.batchDuration,
	} {
		if err := r.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Feed hooks used by the Processor. A nil Collector is a no-op everywhere so
// the engine can call these unconditionally.

func (c *Collector) addProcessed(n int) {
	if c == nil {
		return
	}
	c.itemsProcessed.Add(float64(n))
}

func (c *Collector) addFailed(n int) {
	if c == nil {
		return
	}
	c.itemsFailed.Add(float64(n))
}

func (c *Collector) addCacheHits(n int) {
	if c == nil {
		return
	}
	c.cacheHits.Add(float64(n))
}

func (c *Collector) addRetryAttempt() {
	if c == nil {
		return
	}
	c.retryAttempts.Inc()
}

func (c *Collector) batchStarted() {
	if c == nil {
		return
	}
	c.batchesInFlight.Inc()
}

func (c *Collector) batchFinished(seconds float64) {
	if c == nil {
		return
	}
	c.batchesInFlight.Dec()
	c.batchDuration.Observe(seconds)
}
