package cache

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/shrike/internal/domain"
)

func TestLRUCacheRoundTrip(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	if err := c.Set(ctx, "tenant-1", "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err := c.Get(ctx, "tenant-1", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "v" {
		t.Errorf("Get = %q, want %q", val, "v")
	}

	t.Run("MissIsNilNil", func(t *testing.T) {
		val, err := c.Get(ctx, "tenant-1", "never-set")
		if err != nil || val != nil {
			t.Errorf("miss = (%v, %v), want (nil, nil)", val, err)
		}
	})

	t.Run("DeleteThenMiss", func(t *testing.T) {
		c.Set(ctx, "tenant-1", "gone", []byte("x"), time.Minute)
		if err := c.Delete(ctx, "tenant-1", "gone"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if val, _ := c.Get(ctx, "tenant-1", "gone"); val != nil {
			t.Error("value survived delete")
		}
	})

	t.Run("DeleteAbsentIsNoop", func(t *testing.T) {
		if err := c.Delete(ctx, "tenant-1", "never-set"); err != nil {
			t.Errorf("Delete absent: %v", err)
		}
	})
}

func TestLRUCacheExpiry(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	c.Set(ctx, "tenant-1", "short", []byte("x"), 10*time.Millisecond)

	if val, _ := c.Get(ctx, "tenant-1", "short"); val == nil {
		t.Fatal("value should be visible before the deadline")
	}

	time.Sleep(25 * time.Millisecond)
	if val, _ := c.Get(ctx, "tenant-1", "short"); val != nil {
		t.Error("value visible past its deadline")
	}

	// The expired read removes the entry.
	if size, _ := c.Stats(); size != 0 {
		t.Errorf("size after expiry read = %d, want 0", size)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(3)
	ctx := context.Background()

	c.Set(ctx, "t", "a", []byte("1"), time.Minute)
	c.Set(ctx, "t", "b", []byte("2"), time.Minute)
	c.Set(ctx, "t", "c", []byte("3"), time.Minute)

	// Touch "a" so "b" becomes the coldest entry.
	c.Get(ctx, "t", "a")

	c.Set(ctx, "t", "d", []byte("4"), time.Minute)

	if val, _ := c.Get(ctx, "t", "b"); val != nil {
		t.Error("coldest entry survived eviction")
	}
	if val, _ := c.Get(ctx, "t", "a"); val == nil {
		t.Error("recently used entry was evicted")
	}
	if size, capacity := c.Stats(); size != 3 || capacity != 3 {
		t.Errorf("Stats = (%d, %d), want (3, 3)", size, capacity)
	}
}

func TestLRUCacheTenantIsolation(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	c.Set(ctx, "bank-ops-a", "cot", []byte("from a"), time.Minute)
	c.Set(ctx, "bank-ops-b", "cot", []byte("from b"), time.Minute)

	a, _ := c.Get(ctx, "bank-ops-a", "cot")
	b, _ := c.Get(ctx, "bank-ops-b", "cot")
	if string(a) != "from a" || string(b) != "from b" {
		t.Errorf("tenants see each other's values: a=%q b=%q", a, b)
	}
}

func TestLRUCacheRequiresTenant(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); err == nil {
		t.Error("Set without tenant should fail")
	}
	if _, err := c.Get(ctx, "", "k"); err == nil {
		t.Error("Get without tenant should fail")
	}
	if _, err := c.IncrementCounter(ctx, "", "k", time.Minute); err == nil {
		t.Error("IncrementCounter without tenant should fail")
	}
}

func TestLRUCacheCounterWindow(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()
	win := 60 * time.Millisecond

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, "t", "review:unclassified:gtb", win)
		if err != nil {
			t.Fatalf("IncrementCounter: %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}

	time.Sleep(80 * time.Millisecond)
	if got, _ := c.IncrementCounter(ctx, "t", "review:unclassified:gtb", win); got != 1 {
		t.Errorf("count after window lapse = %d, want 1", got)
	}
}

func TestLRUCacheRateEntry(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	entry := &domain.RateEntry{
		ID:            "re-001",
		Rate:          decimal.RequireFromString("5.5"),
		EffectiveFrom: civil.Date{Year: 2023, Month: 5, Day: 2},
		EffectiveTo:   civil.Date{Year: 2023, Month: 6, Day: 1},
	}
	if err := c.SetRateEntry(ctx, "t", "prof-1:debit:2023-05-15", entry, time.Minute); err != nil {
		t.Fatalf("SetRateEntry: %v", err)
	}

	got, err := c.GetRateEntry(ctx, "t", "prof-1:debit:2023-05-15")
	if err != nil {
		t.Fatalf("GetRateEntry: %v", err)
	}
	if got == nil {
		t.Fatal("expected a hit")
	}
	if got.ID != entry.ID || !got.Rate.Equal(entry.Rate) || got.EffectiveFrom != entry.EffectiveFrom {
		t.Errorf("round trip mangled the entry: %+v", got)
	}

	if miss, err := c.GetRateEntry(ctx, "t", "no-such-key"); err != nil || miss != nil {
		t.Errorf("miss = (%v, %v), want (nil, nil)", miss, err)
	}
}

func TestLRUCacheLifecycle(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	c.Set(ctx, "t", "k", []byte("v"), time.Minute)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if val, _ := c.Get(ctx, "t", "k"); val != nil {
		t.Error("entries survived Close")
	}
}

func TestNewCacheFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("got %T, want *LRUCache", c)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unknown cache type")
		}
	})
}
