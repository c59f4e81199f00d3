package cache

import (
	"context"
	"time"
)

// Backend is a pluggable key-value store. Implementations must be safe for
// concurrent use: many chunks across many batches read and write at once.
type Backend interface {
	// Get returns the value for key. The boolean reports whether the key
	// exists; a missing key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means no expiry. Backends
	// without expiry support may ignore ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
