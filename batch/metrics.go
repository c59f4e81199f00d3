package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/bluemonitor/batchkit/monitor"
)

// Metrics holds the aggregated outcome of one processing run. A Metrics is
// created fresh per run, mutated while the run is active, and immutable once
// returned from ProcessBatch.
//
// At terminal state, TotalItems == ProcessedItems + FailedItems.
type Metrics struct {
	// RunID uniquely identifies the run in logs and exported metrics.
	RunID string

	// TotalItems is the number of items submitted to the run.
	TotalItems int

	// ProcessedItems is the number of items that reached a successful
	// terminal outcome, including cache hits and retried successes.
	ProcessedItems int

	// FailedItems is the number of items that ended as permanent failures.
	FailedItems int

	// CacheHits is the number of items satisfied from the cache without
	// invoking the processing function.
	CacheHits int

	// StartTime is when the run began.
	StartTime time.Time

	// EndTime is when the run reached terminal state.
	EndTime time.Time

	// BatchDurations holds the processing duration of each batch, in
	// completion order.
	BatchDurations []time.Duration

	// Samples holds the resource samples observed during the run, one per
	// completed batch, in completion order.
	Samples []monitor.Sample
}

func newMetrics(total int) *Metrics {
	return &Metrics{
		RunID:      uuid.NewString(),
		TotalItems: total,
		StartTime:  time.Now().UTC(),
	}
}

// SuccessRate returns the percentage of items processed successfully.
// Returns 0 if the run had no items.
func (m *Metrics) SuccessRate() float64 {
	if m.TotalItems == 0 {
		return 0
	}
	return float64(m.ProcessedItems) / float64(m.TotalItems) * 100
}

// AvgProcessingTime returns the mean batch processing duration.
// Returns 0 if no batches completed.
func (m *Metrics) AvgProcessingTime() time.Duration {
	if len(m.BatchDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.BatchDurations {
		total += d
	}
	return total / time.Duration(len(m.BatchDurations))
}

// TotalDuration returns the wall-clock duration of the run.
func (m *Metrics) TotalDuration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

// AvgMemory returns the mean memory-used observed during the run, in bytes.
func (m *Metrics) AvgMemory() uint64 {
	if len(m.Samples) == 0 {
		return 0
	}
	var total uint64
	for _, s := range m.Samples {
		total += s.MemoryUsed
	}
	return total / uint64(len(m.Samples))
}

// PeakMemory returns the highest memory-used observed during the run,
// in bytes.
func (m *Metrics) PeakMemory() uint64 {
	var peak uint64
	for _, s := range m.Samples {
		if s.MemoryUsed > peak {
			peak = s.MemoryUsed
		}
	}
	return peak
}

// AvgCPU returns the mean CPU percentage observed during the run.
func (m *Metrics) AvgCPU() float64 {
	if len(m.Samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range m.Samples {
		total += s.CPUPercent
	}
	return total / float64(len(m.Samples))
}

// PeakCPU returns the highest CPU percentage observed during the run.
func (m *Metrics) PeakCPU() float64 {
	var peak float64
	for _, s := range m.Samples {
		if s.CPUPercent > peak {
			peak = s.CPUPercent
		}
	}
	return peak
}

// ItemsPerSecond returns run throughput in items per second.
// Returns 0 if the run had no measurable duration.
func (m *Metrics) ItemsPerSecond() float64 {
	secs := m.TotalDuration().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(m.ProcessedItems) / secs
}

// ItemsPerMinute returns run throughput in items per minute.
func (m *Metrics) ItemsPerMinute() float64 {
	return m.ItemsPerSecond() * 60
}
