package batch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultBatchSize            = 100
	DefaultMaxConcurrentBatches = 4
	DefaultChunkSize            = 10
	DefaultTimeout              = 300 * time.Second
	DefaultMemoryThreshold      = 4 << 30 // 4 GiB
	DefaultCPUThreshold         = 80.0
	DefaultMaxRetries           = 3
)

// Config holds the policy values for one processing run. The values are
// fixed for the run's lifetime; the Processor copies the Config at creation
// and never reads it again from the caller.
type Config struct {
	// BatchSize is the maximum number of items per batch. The effective
	// batch size may be smaller under resource pressure.
	BatchSize int

	// MaxConcurrentBatches caps how many batch tasks run at once.
	MaxConcurrentBatches int

	// ChunkSize is the number of items fanned out concurrently under one
	// timeout. It is clamped to BatchSize.
	ChunkSize int

	// Timeout is the deadline for each chunk. Items unresolved when it
	// passes are recorded failed.
	Timeout time.Duration

	// MemoryThreshold is the memory-used level (bytes) above which a short
	// pause is inserted before each chunk.
	MemoryThreshold uint64

	// CPUThreshold is the CPU level (percent) above which a short pause is
	// inserted before each chunk.
	CPUThreshold float64

	// RetryFailedItems enables the retry phase after all batches complete.
	RetryFailedItems bool

	// MaxRetries is the number of retry rounds, and also the attempt count
	// at which a failing item is dropped as a permanent failure.
	MaxRetries int
}

// DefaultConfig returns the default run policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:            DefaultBatchSize,
		MaxConcurrentBatches: DefaultMaxConcurrentBatches,
		ChunkSize:            DefaultChunkSize,
		Timeout:              DefaultTimeout,
		MemoryThreshold:      DefaultMemoryThreshold,
		CPUThreshold:         DefaultCPUThreshold,
		RetryFailedItems:     true,
		MaxRetries:           DefaultMaxRetries,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative, got %d", c.BatchSize)
	}
	if c.MaxConcurrentBatches < 0 {
		return fmt.Errorf("max concurrent batches cannot be negative, got %d", c.MaxConcurrentBatches)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size cannot be negative, got %d", c.ChunkSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", c.Timeout)
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("cpu threshold must be within [0, 100], got %g", c.CPUThreshold)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}

// withDefaults corrects zero values and conflicting values so batching rules
// do not conflict at runtime:
//   - unset sizes, timeout and thresholds take their defaults
//   - if ChunkSize is larger than BatchSize, it is reduced to BatchSize
func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConcurrentBatches == 0 {
		c.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = DefaultMemoryThreshold
	}
	if c.CPUThreshold == 0 {
		c.CPUThreshold = DefaultCPUThreshold
	}
	if c.ChunkSize > c.BatchSize {
		c.ChunkSize = c.BatchSize
	}
	return c
}

// configFile is the YAML shape of a Config. Durations and sizes use the
// units the service configuration historically used: seconds and GiB.
type configFile struct {
	BatchSize            int     `yaml:"batch_size"`
	MaxConcurrentBatches int     `yaml:"max_concurrent_batches"`
	ChunkSize            int     `yaml:"chunk_size"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	MemoryThresholdGB    float64 `yaml:"memory_threshold_gb"`
	CPUThresholdPercent  float64 `yaml:"cpu_threshold_percent"`
	RetryFailedItems     *bool   `yaml:"retry_failed_items"`
	MaxRetries           int     `yaml:"max_retries"`
}

// LoadConfig reads a Config from a YAML file. Missing fields take their
// defaults; invalid values are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	c := Config{
		BatchSize:            f.BatchSize,
		MaxConcurrentBatches: f.MaxConcurrentBatches,
		ChunkSize:            f.ChunkSize,
		Timeout:              time.Duration(f.TimeoutSeconds) * time.Second,
		MemoryThreshold:      uint64(f.MemoryThresholdGB * float64(1<<30)),
		CPUThreshold:         f.CPUThresholdPercent,
		RetryFailedItems:     f.RetryFailedItems == nil || *f.RetryFailedItems,
		MaxRetries:           f.MaxRetries,
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c.withDefaults(), nil
}
