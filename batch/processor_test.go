package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluemonitor/batchkit/cache"
	"github.com/bluemonitor/batchkit/monitor"
)

// fakeMonitor returns a fixed sample, keeping batch sizing and throttling
// deterministic in tests.
type fakeMonitor struct {
	sample   monitor.Sample
	throttle bool
}

func (f *fakeMonitor) Start(ctx context.Context)          { <-ctx.Done() }
func (f *fakeMonitor) Stop()                               {}
func (f *fakeMonitor) Latest() monitor.Sample              { return f.sample }
func (f *fakeMonitor) ShouldThrottle(uint64, float64) bool { return f.throttle }

// idleMonitor reports plenty of headroom: 1 GiB used of 4 GiB total.
func idleMonitor() *fakeMonitor {
	return &fakeMonitor{
		sample: monitor.Sample{
			Timestamp:     time.Now().UTC(),
			MemoryUsed:    1 << 30,
			MemoryPercent: 25.0,
			CPUPercent:    10.0,
			DiskPercent:   40.0,
		},
	}
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = NewItem(fmt.Sprintf("item-%d", i), fmt.Sprintf("sig-%d", i))
	}
	return items
}

// attemptCounter tracks how many times each item was attempted.
type attemptCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newAttemptCounter() *attemptCounter {
	return &attemptCounter{counts: make(map[string]int)}
}

func (a *attemptCounter) inc(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[id]++
	return a.counts[id]
}

func (a *attemptCounter) get(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[id]
}

func TestPartition(t *testing.T) {
	t.Run("LosslessOrderPreservingCover", func(t *testing.T) {
		items := makeItems(237)
		batches := partition(items, 100)
		require.Len(t, batches, 3)
		assert.Len(t, batches[0], 100)
		assert.Len(t, batches[1], 100)
		assert.Len(t, batches[2], 37)

		var flat []Item
		for _, b := range batches {
			flat = append(flat, b...)
		}
		assert.Equal(t, items, flat)
	})

	t.Run("NoBatchExceedsSize", func(t *testing.T) {
		for _, n := range []int{1, 9, 10, 11, 100, 101} {
			batches := partition(makeItems(n), 10)
			total := 0
			for _, b := range batches {
				assert.LessOrEqual(t, len(b), 10)
				total += len(b)
			}
			assert.Equal(t, n, total)
		}
	})

	t.Run("SingleItem", func(t *testing.T) {
		batches := partition(makeItems(1), 100)
		require.Len(t, batches, 1)
		assert.Len(t, batches[0], 1)
	})
}

func TestIdealBatchSize(t *testing.T) {
	t.Run("ConfigCapBinds", func(t *testing.T) {
		p := NewProcessor(Config{BatchSize: 100})
		p.cores = 1
		assert.Equal(t, 100, p.idealBatchSize(237, idleMonitor()))
	})

	t.Run("MemoryCeilingBinds", func(t *testing.T) {
		p := NewProcessor(Config{BatchSize: 100})
		p.cores = 1
		// 990 MiB used of 1000 MiB total: 10 MiB available, /4MiB budget = 2.
		mon := &fakeMonitor{sample: monitor.Sample{
			MemoryUsed:    990 << 20,
			MemoryPercent: 99.0,
		}}
		assert.Equal(t, 2, p.idealBatchSize(237, mon))
	})

	t.Run("CoreSpreadBinds", func(t *testing.T) {
		p := NewProcessor(Config{BatchSize: 100})
		p.cores = 4
		assert.Equal(t, 10, p.idealBatchSize(40, idleMonitor()))
	})

	t.Run("FlooredAtOne", func(t *testing.T) {
		p := NewProcessor(Config{BatchSize: 100})
		p.cores = 1
		// 5 MiB available: ceiling of 1.
		mon := &fakeMonitor{sample: monitor.Sample{
			MemoryUsed:    995 << 20,
			MemoryPercent: 99.5,
		}}
		assert.Equal(t, 1, p.idealBatchSize(237, mon))
	})
}

func TestProcessBatch_EmptyInput(t *testing.T) {
	p := NewProcessor(DefaultConfig()).WithMonitor(idleMonitor())

	metrics, err := p.ProcessBatch(context.Background(), nil, NativeWork(
		func(context.Context, Item) (any, error) { return nil, nil },
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, metrics.TotalItems)
	assert.Equal(t, 0, metrics.ProcessedItems)
	assert.Equal(t, 0, metrics.FailedItems)
	assert.False(t, metrics.EndTime.IsZero())
}

func TestProcessBatch_NoWork(t *testing.T) {
	p := NewProcessor(DefaultConfig())

	_, err := p.ProcessBatch(context.Background(), makeItems(1), Work{}, nil)

	var setupErr SetupError
	require.ErrorAs(t, err, &setupErr)
}

func TestProcessBatch_InvalidConfig(t *testing.T) {
	p := NewProcessor(Config{BatchSize: -1})

	_, err := p.ProcessBatch(context.Background(), makeItems(1), NativeWork(
		func(context.Context, Item) (any, error) { return nil, nil },
	), nil)

	var setupErr SetupError
	require.ErrorAs(t, err, &setupErr)
}

// 237 items with batch size 100 and no failures: 3 batches (100, 100, 37),
// all items processed, success rate 100.
func TestProcessBatch_CleanRun(t *testing.T) {
	cfg := Config{
		BatchSize:            100,
		MaxConcurrentBatches: 4,
		ChunkSize:            10,
		Timeout:              5 * time.Second,
		RetryFailedItems:     true,
		MaxRetries:           3,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor())
	p.cores = 1

	metrics, err := p.ProcessBatch(context.Background(), makeItems(237), NativeWork(
		func(_ context.Context, item Item) (any, error) {
			return map[string]any{"id": item.ID()}, nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 237, metrics.TotalItems)
	assert.Equal(t, 237, metrics.ProcessedItems)
	assert.Equal(t, 0, metrics.FailedItems)
	assert.InDelta(t, 100.0, metrics.SuccessRate(), 0.001)
	assert.Len(t, metrics.BatchDurations, 3)
	assert.Len(t, metrics.Samples, 3)
	assert.Equal(t, metrics.TotalItems, metrics.ProcessedItems+metrics.FailedItems)
}

// Items at positions 3 and 7 always fail: after 3 retry rounds they are
// dropped as permanent failures, each attempted 4 times total.
func TestProcessBatch_RetryTermination(t *testing.T) {
	cfg := Config{
		BatchSize:            100,
		MaxConcurrentBatches: 4,
		ChunkSize:            10,
		Timeout:              5 * time.Second,
		RetryFailedItems:     true,
		MaxRetries:           3,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor())
	p.cores = 1

	attempts := newAttemptCounter()
	alwaysFails := map[string]bool{"item-3": true, "item-7": true}

	metrics, err := p.ProcessBatch(context.Background(), makeItems(10), NativeWork(
		func(_ context.Context, item Item) (any, error) {
			attempts.inc(item.ID())
			if alwaysFails[item.ID()] {
				return nil, errors.New("permanent fault")
			}
			return "ok", nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 8, metrics.ProcessedItems)
	assert.Equal(t, 2, metrics.FailedItems)
	assert.Equal(t, 4, attempts.get("item-3"), "1 initial + 3 retries")
	assert.Equal(t, 4, attempts.get("item-7"), "1 initial + 3 retries")
	assert.Equal(t, 1, attempts.get("item-0"), "healthy items attempted once")
	assert.Equal(t, metrics.TotalItems, metrics.ProcessedItems+metrics.FailedItems)
}

// An item that fails its first attempts but succeeds within the retry budget
// is counted processed exactly once.
func TestProcessBatch_RetryEventualSuccess(t *testing.T) {
	cfg := Config{
		BatchSize:            100,
		MaxConcurrentBatches: 4,
		ChunkSize:            10,
		Timeout:              5 * time.Second,
		RetryFailedItems:     true,
		MaxRetries:           3,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor())

	attempts := newAttemptCounter()
	metrics, err := p.ProcessBatch(context.Background(), makeItems(1), NativeWork(
		func(_ context.Context, item Item) (any, error) {
			if attempts.inc(item.ID()) < 4 {
				return nil, errors.New("transient fault")
			}
			return "ok", nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, metrics.ProcessedItems)
	assert.Equal(t, 0, metrics.FailedItems)
	assert.Equal(t, 4, attempts.get("item-0"))
}

func TestProcessBatch_RetriesDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryFailedItems = false
	p := NewProcessor(cfg).WithMonitor(idleMonitor())

	calls := int64(0)
	metrics, err := p.ProcessBatch(context.Background(), makeItems(5), NativeWork(
		func(_ context.Context, item Item) (any, error) {
			atomic.AddInt64(&calls, 1)
			if item.ID() == "item-2" {
				return nil, errors.New("fault")
			}
			return "ok", nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 4, metrics.ProcessedItems)
	assert.Equal(t, 1, metrics.FailedItems)
	assert.Equal(t, int64(5), atomic.LoadInt64(&calls), "no retry attempts")
}

// At no instant do more than MaxConcurrentBatches batch tasks execute.
func TestProcessBatch_ConcurrencyLimit(t *testing.T) {
	cfg := Config{
		BatchSize:            1, // one item per batch: 12 batch tasks
		MaxConcurrentBatches: 3,
		ChunkSize:            1,
		Timeout:              5 * time.Second,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor())
	p.cores = 1

	var current, peak int64
	metrics, err := p.ProcessBatch(context.Background(), makeItems(12), NativeWork(
		func(context.Context, Item) (any, error) {
			cur := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return "ok", nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 12, metrics.ProcessedItems)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&peak), int64(1))
}

// A work function that never returns causes its item to be recorded failed
// after the timeout, without blocking other batches' progress.
func TestProcessBatch_ChunkTimeout(t *testing.T) {
	cfg := Config{
		BatchSize:            2,
		MaxConcurrentBatches: 4,
		ChunkSize:            2,
		Timeout:              200 * time.Millisecond,
		RetryFailedItems:     false,
		MaxRetries:           1,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor())
	p.cores = 1

	var fastDone int64
	start := time.Now()
	metrics, err := p.ProcessBatch(context.Background(), makeItems(4), NativeWork(
		func(ctx context.Context, item Item) (any, error) {
			if item.ID() == "item-1" {
				<-ctx.Done() // hangs until the chunk deadline
				return nil, ctx.Err()
			}
			atomic.AddInt64(&fastDone, 1)
			return "ok", nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 3, metrics.ProcessedItems)
	assert.Equal(t, 1, metrics.FailedItems)
	assert.Equal(t, int64(3), atomic.LoadInt64(&fastDone))
	assert.Less(t, time.Since(start), 2*time.Second)
}

// Cache pre-populated with 5 of 20 items: the work function runs exactly 15
// times and all 20 items count as processed.
func TestProcessBatch_CacheHits(t *testing.T) {
	ctx := context.Background()
	manager := cache.New(nil)
	manager.Initialize(ctx)
	for i := 0; i < 5; i++ {
		key := cache.Key(fmt.Sprintf("sig-%d", i))
		manager.Set(ctx, cache.KindResult, key, []byte(`{"cached":true}`))
	}

	cfg := Config{
		BatchSize:            100,
		MaxConcurrentBatches: 4,
		ChunkSize:            10,
		Timeout:              5 * time.Second,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor()).WithCache(manager)
	p.cores = 1

	var invocations int64
	metrics, err := p.ProcessBatch(ctx, makeItems(20), NativeWork(
		func(_ context.Context, item Item) (any, error) {
			atomic.AddInt64(&invocations, 1)
			return map[string]any{"id": item.ID()}, nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, int64(15), atomic.LoadInt64(&invocations))
	assert.Equal(t, 20, metrics.ProcessedItems)
	assert.Equal(t, 0, metrics.FailedItems)
	assert.Equal(t, 5, metrics.CacheHits)

	// Successful results were written back: every item is now cached.
	for i := 0; i < 20; i++ {
		_, ok := manager.Get(ctx, cache.KindResult, cache.Key(fmt.Sprintf("sig-%d", i)))
		assert.True(t, ok, "item %d should be cached after the run", i)
	}
}

func TestProcessBatch_ProgressCallback(t *testing.T) {
	cfg := Config{
		BatchSize:            20,
		MaxConcurrentBatches: 1,
		ChunkSize:            5,
		Timeout:              5 * time.Second,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor())
	p.cores = 1

	var mu sync.Mutex
	var reports []int
	metrics, err := p.ProcessBatch(context.Background(), makeItems(20), NativeWork(
		func(context.Context, Item) (any, error) { return "ok", nil },
	), func(done int) {
		mu.Lock()
		reports = append(reports, done)
		mu.Unlock()
	})

	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i], reports[i-1], "cumulative count never decreases")
	}
	assert.Equal(t, metrics.ProcessedItems, reports[len(reports)-1])
}

func TestProcessBatch_ProgressCallbackPanics(t *testing.T) {
	p := NewProcessor(DefaultConfig()).WithMonitor(idleMonitor())

	metrics, err := p.ProcessBatch(context.Background(), makeItems(5), NativeWork(
		func(context.Context, Item) (any, error) { return "ok", nil },
	), func(int) {
		panic("broken callback")
	})

	require.NoError(t, err)
	assert.Equal(t, 5, metrics.ProcessedItems)
}

func TestProcessBatch_BlockingWork(t *testing.T) {
	cfg := Config{
		BatchSize:            10,
		MaxConcurrentBatches: 2,
		ChunkSize:            5,
		Timeout:              5 * time.Second,
	}
	p := NewProcessor(cfg).WithMonitor(idleMonitor()).WithPoolSize(2)

	metrics, err := p.ProcessBatch(context.Background(), makeItems(10), BlockingWork(
		func(item Item) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return item.ID(), nil
		},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 10, metrics.ProcessedItems)
	assert.Equal(t, 0, metrics.FailedItems)
}

func TestProcessBatch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor(DefaultConfig()).WithMonitor(idleMonitor())
	metrics, err := p.ProcessBatch(ctx, makeItems(8), NativeWork(
		func(context.Context, Item) (any, error) { return "ok", nil },
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 8, metrics.TotalItems)
	assert.Equal(t, metrics.TotalItems, metrics.ProcessedItems+metrics.FailedItems)
}

func TestProcessBatch_ThrottlePause(t *testing.T) {
	cfg := Config{
		BatchSize:            4,
		MaxConcurrentBatches: 1,
		ChunkSize:            2,
		Timeout:              5 * time.Second,
	}
	mon := idleMonitor()
	mon.throttle = true
	p := NewProcessor(cfg).WithMonitor(mon)
	p.cores = 1

	start := time.Now()
	metrics, err := p.ProcessBatch(context.Background(), makeItems(4), NativeWork(
		func(context.Context, Item) (any, error) { return "ok", nil },
	), nil)

	require.NoError(t, err)
	assert.Equal(t, 4, metrics.ProcessedItems)
	// Two chunks, each preceded by the fixed pause.
	assert.GreaterOrEqual(t, time.Since(start), 2*throttlePause)
}

func TestRetryQueue(t *testing.T) {
	var q retryQueue

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.add(NewItem(fmt.Sprintf("item-%d", n), "sig"), errors.New("fault"))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, q.len())

	drained := q.drain()
	assert.Len(t, drained, 20)
	assert.Equal(t, 0, q.len())

	q.requeue(failedItem{item: NewItem("again", "sig"), attempts: 1})
	assert.Equal(t, 1, q.len())
}

func TestProcessor_ConfigureAfterStartPanics(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	assert.Panics(t, func() { p.WithLogger(zerolog.Nop()) })
}
