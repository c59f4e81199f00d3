// Package monitor samples system resource usage in the background and
// answers throttling queries for the batch engine. Sampling is best effort:
// if the platform probes fail, a conservative default sample is used so the
// engine never aborts a run because of the monitor.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// DefaultInterval is the default time between samples.
	DefaultInterval = time.Second

	// DefaultHistorySize is the number of samples retained in the ring buffer.
	DefaultHistorySize = 100
)

// Sample is one observation of system resource usage.
type Sample struct {
	Timestamp     time.Time
	MemoryUsed    uint64
	MemoryPercent float64
	CPUPercent    float64
	DiskPercent   float64
}

// DefaultSample returns a conservative sample used before the first
// observation exists or when the platform probes fail. The values describe
// a moderately loaded machine so early throttle checks neither crash nor
// throttle spuriously.
func DefaultSample() Sample {
	return Sample{
		Timestamp:     time.Now().UTC(),
		MemoryUsed:    2 << 30, // 2 GiB
		MemoryPercent: 50.0,
		CPUPercent:    30.0,
		DiskPercent:   70.0,
	}
}

// Monitor periodically samples system resources into a bounded ring buffer.
// Exactly one goroutine (the Start loop) writes samples; readers only need
// the latest value and tolerate staleness.
type Monitor struct {
	interval time.Duration
	logger   zerolog.Logger
	diskPath string

	mu      sync.RWMutex
	history *ring

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor that samples at the given interval. A non-positive
// interval uses DefaultInterval.
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		logger:   zerolog.Nop(),
		diskPath: "/",
		history:  newRing(DefaultHistorySize),
		stop:     make(chan struct{}),
	}
}

// WithLogger sets the logger used for sampling diagnostics.
func (m *Monitor) WithLogger(logger zerolog.Logger) *Monitor {
	m.logger = logger
	return m
}

// Start runs the sampling loop until Stop is called or ctx is canceled.
// It blocks; callers normally run it on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	for {
		s := m.sample()
		m.mu.Lock()
		m.history.push(s)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-time.After(m.interval):
		}
	}
}

// Stop signals the sampling loop to end after its current cycle.
// It is safe to call more than once and safe to call before Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// Latest returns the most recent sample, or a conservative default if no
// sample has been taken yet.
func (m *Monitor) Latest() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.history.latest(); ok {
		return s
	}
	return DefaultSample()
}

// History returns the retained samples in oldest-first order.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.snapshot()
}

// ShouldThrottle reports whether the latest sample exceeds either the memory
// threshold (bytes used) or the CPU threshold (percent).
func (m *Monitor) ShouldThrottle(memThreshold uint64, cpuThreshold float64) bool {
	s := m.Latest()
	return s.MemoryUsed > memThreshold || s.CPUPercent > cpuThreshold
}

// sample takes one observation. Probe failures degrade to the conservative
// default values for the fields that failed.
func (m *Monitor) sample() Sample {
	s := DefaultSample()
	s.Timestamp = time.Now().UTC()

	if vm, err := mem.VirtualMemory(); err != nil {
		m.logger.Debug().Err(err).Msg("memory probe failed, using default sample")
	} else {
		s.MemoryUsed = vm.Used
		s.MemoryPercent = vm.UsedPercent
	}

	if pcts, err := cpu.Percent(0, false); err != nil || len(pcts) == 0 {
		m.logger.Debug().Err(err).Msg("cpu probe failed, using default sample")
	} else {
		s.CPUPercent = pcts[0]
	}

	if du, err := disk.Usage(m.diskPath); err != nil {
		m.logger.Debug().Err(err).Msg("disk probe failed, using default sample")
	} else {
		s.DiskPercent = du.UsedPercent
	}

	return s
}
