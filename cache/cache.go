// Package cache provides a best-effort accelerator for batch processing
// results. It stores two independent payload kinds (numeric vectors and
// structured results) over a pluggable backend: a remote Redis server when
// reachable, or an in-process map otherwise. The backend is chosen once at
// initialization, never inferred per call.
//
// The cache is optional acceleration, never a correctness dependency: every
// read or write failure is logged and degrades to a miss or a no-op.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Kind selects one of the two independent key spaces.
type Kind string

const (
	// KindVector stores numeric vector payloads (e.g. embeddings).
	KindVector Kind = "vector"

	// KindResult stores structured result payloads.
	KindResult Kind = "result"
)

// DefaultTTL is the default lifetime of entries on the remote tier.
// The in-process fallback has no expiry.
const DefaultTTL = 24 * time.Hour

// Key derives a deterministic cache key from an item's content signature.
func Key(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

// Manager is the two-namespace cache used by the batch engine. Create one
// with New, then call Initialize once before use. Initialize must not be
// called concurrently with Get or Set.
type Manager struct {
	remote  Backend
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger
}

// New creates a Manager that will try the given remote backend at
// initialization. A nil remote selects the in-process fallback directly.
func New(remote Backend) *Manager {
	return &Manager{
		remote:  remote,
		backend: NewMemoryBackend(),
		ttl:     DefaultTTL,
		logger:  zerolog.Nop(),
	}
}

// WithTTL sets the entry lifetime used on the remote tier.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithLogger sets the logger used for degraded-operation diagnostics.
func (m *Manager) WithLogger(logger zerolog.Logger) *Manager {
	m.logger = logger
	return m
}

// Initialize pings the remote backend and commits to it on success. On any
// failure it logs a warning and keeps the in-process fallback. The choice is
// permanent for the Manager's lifetime.
func (m *Manager) Initialize(ctx context.Context) {
	if m.remote == nil {
		m.logger.Info().Msg("no remote cache configured, using in-process cache")
		return
	}
	if err := m.remote.Ping(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("remote cache unreachable, using in-process cache")
		return
	}
	m.backend = m.remote
	m.logger.Info().Msg("remote cache initialized")
}

// Get returns the raw payload stored under kind/key. Backend errors are
// logged and reported as a miss.
func (m *Manager) Get(ctx context.Context, kind Kind, key string) ([]byte, bool) {
	value, ok, err := m.backend.Get(ctx, m.namespaced(kind, key))
	if err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Msg("cache read failed, treating as miss")
		return nil, false
	}
	return value, ok
}

// Set stores the raw payload under kind/key. Backend errors are logged and
// the write is dropped.
func (m *Manager) Set(ctx context.Context, kind Kind, key string, payload []byte) {
	if err := m.backend.Set(ctx, m.namespaced(kind, key), payload, m.ttl); err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Msg("cache write failed, dropping entry")
	}
}

// GetVector returns the vector stored under key, or false on miss or on any
// decoding failure (a corrupt entry is a miss, not an error).
func (m *Manager) GetVector(ctx context.Context, key string) ([]float64, bool) {
	raw, ok := m.Get(ctx, KindVector, key)
	if !ok {
		return nil, false
	}
	var vector []float64
	if err := json.Unmarshal(raw, &vector); err != nil {
		m.logger.Error().Err(err).Msg("corrupt vector entry, treating as miss")
		return nil, false
	}
	return vector, true
}

// SetVector stores a vector under key.
func (m *Manager) SetVector(ctx context.Context, key string, vector []float64) {
	raw, err := json.Marshal(vector)
	if err != nil {
		m.logger.Error().Err(err).Msg("vector encoding failed, dropping entry")
		return
	}
	m.Set(ctx, KindVector, key, raw)
}

// GetResult returns the structured result stored under key, or false on miss
// or on any decoding failure.
func (m *Manager) GetResult(ctx context.Context, key string) (map[string]any, bool) {
	raw, ok := m.Get(ctx, KindResult, key)
	if !ok {
		return nil, false
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		m.logger.Error().Err(err).Msg("corrupt result entry, treating as miss")
		return nil, false
	}
	return result, true
}

// SetResult stores a structured result under key.
func (m *Manager) SetResult(ctx context.Context, key string, result map[string]any) {
	raw, err := json.Marshal(result)
	if err != nil {
		m.logger.Error().Err(err).Msg("result encoding failed, dropping entry")
		return
	}
	m.Set(ctx, KindResult, key, raw)
}

// Close releases backend resources. It is safe to call even if only the
// fallback was ever used.
func (m *Manager) Close() error {
	if m.remote != nil && m.remote != m.backend {
		// The remote was created but never committed to; close it anyway.
		if err := m.remote.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("closing unused remote cache")
		}
	}
	return m.backend.Close()
}

func (m *Manager) namespaced(kind Kind, key string) string {
	return string(kind) + ":" + key
}
