package domain

import (
	"context"
	"time"
)

// Cache holds resolved rates and review counters. The community tier uses an
// in-process LRU, the pro tier Redis or an LRU-over-Redis combination. Every
// call names a tenant; implementations namespace keys by it.
type Cache interface {
	// Get returns the value, or (nil, nil) on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores the value until ttl elapses.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Absent keys are not an error.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRateEntry returns the cached resolution for a (profile, series,
	// date) key, or (nil, nil) on a miss.
	GetRateEntry(ctx context.Context, tenantID string, key string) (*RateEntry, error)

	// SetRateEntry caches a resolution. Writers to a series bump its
	// generation, which retires every key minted under the old one.
	SetRateEntry(ctx context.Context, tenantID string, key string, entry *RateEntry, ttl time.Duration) error

	// IncrementCounter bumps a fixed-window counter and returns the new
	// count. The review queue uses these for per-bank statistics.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase layers the local LRU in front of Redis.
	EnableTwoPhase bool
}
