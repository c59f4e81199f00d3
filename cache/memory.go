package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used as the fallback when the
// remote backend is unreachable. Entries never expire; the store is bounded
// only by the process lifetime.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string][]byte),
	}
}

// Get implements the Backend interface.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements the Backend interface. The ttl is ignored.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	b.entries[key] = stored
	return nil
}

// Ping implements the Backend interface. The in-process store is always
// reachable.
func (b *MemoryBackend) Ping(_ context.Context) error {
	return nil
}

// Close implements the Backend interface.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string][]byte)
	return nil
}

// Len returns the number of stored entries.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
