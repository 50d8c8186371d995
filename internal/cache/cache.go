package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/shrike/internal/domain"
)

// New builds the cache named by cfg.Type. "memory" gives the in-process LRU,
// "redis" gives Redis, and "redis" with EnableTwoPhase layers the LRU in
// front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTieredCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
}

// TieredCache reads through a local LRU into Redis. Local hits skip the
// network entirely; Redis hits backfill the local layer with a short TTL so
// repeated lookups for the same statement line stay in process.
type TieredCache struct {
	local    *LRUCache
	remote   *RedisCache
	localTTL time.Duration
}

// NewTieredCache builds the LRU-over-Redis combination.
func NewTieredCache(cfg domain.CacheConfig) (*TieredCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	localTTL := cfg.LocalTTL
	if localTTL == 0 {
		localTTL = 5 * time.Minute
	}

	return &TieredCache{
		local:    NewLRUCache(cfg.LocalMaxSize),
		remote:   remote,
		localTTL: localTTL,
	}, nil
}

// capTTL keeps the local copy from outliving the remote one.
func (c *TieredCache) capTTL(ttl time.Duration) time.Duration {
	if ttl < c.localTTL {
		return ttl
	}
	return c.localTTL
}

// Get checks the local layer first and falls back to Redis, backfilling the
// local layer on a remote hit.
func (c *TieredCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes both layers.
func (c *TieredCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes the key from both layers.
func (c *TieredCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetRateEntry reads through for cached rate resolutions.
func (c *TieredCache) GetRateEntry(ctx context.Context, tenantID string, key string) (*domain.RateEntry, error) {
	entry, err := c.local.GetRateEntry(ctx, tenantID, key)
	if err != nil || entry != nil {
		return entry, err
	}

	entry, err = c.remote.GetRateEntry(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		_ = c.local.SetRateEntry(ctx, tenantID, key, entry, c.localTTL)
	}
	return entry, nil
}

// SetRateEntry writes both layers.
func (c *TieredCache) SetRateEntry(ctx context.Context, tenantID string, key string, entry *domain.RateEntry, ttl time.Duration) error {
	if err := c.local.SetRateEntry(ctx, tenantID, key, entry, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.remote.SetRateEntry(ctx, tenantID, key, entry, ttl)
}

// IncrementCounter always goes to Redis. Counters must be exact across
// nodes, so the local layer never holds them.
func (c *TieredCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

// Ping checks both layers.
func (c *TieredCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("local cache: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close closes both layers.
func (c *TieredCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
