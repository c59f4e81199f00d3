package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackend is a Backend backed by a Redis server. The underlying client
// is safe for concurrent use, so no additional locking is needed.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend connected to the Redis server at addr
// (host:port). The connection is not verified here; Manager.Initialize pings
// it once and falls back to the in-process store on failure.
func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

// NewRedisBackendFromClient wraps an existing client, letting callers supply
// their own connection options (auth, TLS, pooling).
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get implements the Backend interface.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements the Backend interface.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Ping implements the Backend interface.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements the Backend interface.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
