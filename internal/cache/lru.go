// Package cache provides the resolution cache backends: an in-process LRU for
// the community tier, Redis for the pro tier, and a tiered combination of the
// two. Rate lookups and review counters ride on the same interface.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/opensource-finance/shrike/internal/domain"
)

var errNoTenant = errors.New("tenant id is required")

// LRUCache is an in-process cache with per-entry TTL and least-recently-used
// eviction. It also serves as the local layer of TieredCache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	order    *list.List // front is most recently used
	windows  map[string]*window
}

type lruItem struct {
	key      string
	value    []byte
	deadline time.Time
}

// window is a fixed-window counter, used for review queue statistics.
type window struct {
	n       int64
	resetAt time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
		windows:  make(map[string]*window),
	}
}

func scoped(tenantID, key string) string {
	return tenantID + ":" + key
}

// Get returns the cached value, or nil when absent or expired. Expired
// entries are removed on read.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[scoped(tenantID, key)]
	if !ok {
		return nil, nil
	}

	item := elem.Value.(*lruItem)
	if time.Now().After(item.deadline) {
		c.unlink(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return item.value, nil
}

// Set stores value under the tenant's key, evicting the coldest entries when
// over capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}

	k := scoped(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[k]; ok {
		item := elem.Value.(*lruItem)
		item.value = value
		item.deadline = time.Now().Add(ttl)
		c.order.MoveToFront(elem)
		return nil
	}

	c.index[k] = c.order.PushFront(&lruItem{
		key:      k,
		value:    value,
		deadline: time.Now().Add(ttl),
	})
	for c.order.Len() > c.capacity {
		if back := c.order.Back(); back != nil {
			c.unlink(back)
		}
	}
	return nil
}

// Delete removes the tenant's key. Deleting an absent key is not an error.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errNoTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[scoped(tenantID, key)]; ok {
		c.unlink(elem)
	}
	return nil
}

// GetRateEntry returns a previously cached rate resolution, or nil on miss.
func (c *LRUCache) GetRateEntry(ctx context.Context, tenantID string, key string) (*domain.RateEntry, error) {
	data, err := c.Get(ctx, tenantID, "rate:"+key)
	if err != nil || data == nil {
		return nil, err
	}

	var entry domain.RateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SetRateEntry caches a rate resolution.
func (c *LRUCache) SetRateEntry(ctx context.Context, tenantID string, key string, entry *domain.RateEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, "rate:"+key, data, ttl)
}

// IncrementCounter bumps a fixed-window counter and returns the new count.
// The count restarts from 1 when the window has lapsed.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, windowLen time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}

	k := scoped(tenantID, "counter:"+key)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[k]
	if !ok || now.After(w.resetAt) {
		c.windows[k] = &window{n: 1, resetAt: now.Add(windowLen)}
		return 1, nil
	}
	w.n++
	return w.n, nil
}

// Ping always succeeds for the in-process cache.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close discards all entries and counters.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*list.Element)
	c.order = list.New()
	c.windows = make(map[string]*window)
	return nil
}

// Stats reports the current entry count and the configured capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.capacity
}

func (c *LRUCache) unlink(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.index, elem.Value.(*lruItem).key)
}
