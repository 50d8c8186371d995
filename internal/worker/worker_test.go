package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/shrike/internal/bus"
	"github.com/opensource-finance/shrike/internal/cache"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/match"
	"github.com/opensource-finance/shrike/internal/rate"
	"github.com/opensource-finance/shrike/internal/repository"
	"github.com/opensource-finance/shrike/internal/service"
)

func newTestFacade(t *testing.T, eventBus domain.EventBus) *service.Service {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lruCache := cache.NewLRUCache(100)
	t.Cleanup(func() { lruCache.Close() })

	facade := service.New(repo, lruCache, eventBus, match.NewEngine(), rate.NewStore())

	ctx := context.Background()
	tenantID := "tenant-test"

	cls := &domain.Classification{
		Code:     "COT",
		Category: domain.CategoryDebit,
		Label:    "Commission on turnover",
	}
	if err := facade.CreateClassification(ctx, tenantID, cls); err != nil {
		t.Fatalf("seed classification: %v", err)
	}
	if err := facade.CreatePattern(ctx, tenantID, &domain.Pattern{
		Keyword:          "COT",
		Scope:            domain.GlobalScope(),
		ClassificationID: cls.ID,
	}); err != nil {
		t.Fatalf("seed pattern: %v", err)
	}

	profile := &domain.RateProfile{
		ID:       "prof-1",
		ClientID: "client-1",
		Code:     "STD",
		Currency: "NGN",
	}
	if err := facade.CreateRateProfile(ctx, tenantID, profile); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := facade.AddRateEntry(ctx, tenantID, "prof-1", domain.SeriesDebit, &domain.RateEntry{
		Rate:          decimal.RequireFromString("5"),
		EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 1},
		EffectiveTo:   civil.Date{Year: 2023, Month: 4, Day: 30},
	}); err != nil {
		t.Fatalf("seed rate entry: %v", err)
	}

	return facade
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	facade := newTestFacade(t, eventBus)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, facade, 2)

		cfg := Config{
			TenantIDs:   []string{"tenant-test"},
			Concurrency: 2,
		}
		if err := w.Start(cfg); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		w := NewWorker(eventBus, facade, 2)
		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		var results atomic.Int32
		var reviews atomic.Int32

		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicResolutionResult, func(ctx context.Context, msg *domain.Message) error {
			var res domain.Resolution
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				t.Errorf("failed to parse resolution: %v", err)
				return err
			}
			results.Add(1)
			return nil
		})
		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicReviewQueue, func(ctx context.Context, msg *domain.Message) error {
			reviews.Add(1)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		stmt := StatementMessage{
			BatchID:   "batch-001",
			TenantID:  "tenant-test",
			BankID:    "gtb",
			ProfileID: "prof-1",
			Series:    domain.SeriesDebit,
			Lines: []StatementLine{
				{Text: "CHG: COT MARCH", ValueDate: civil.Date{Year: 2023, Month: 4, Day: 15}},
				{Text: "UNKNOWN NARRATION", ValueDate: civil.Date{Year: 2023, Month: 4, Day: 16}},
				{Text: "COT APRIL", ValueDate: civil.Date{Year: 2023, Month: 7, Day: 1}}, // outside rate coverage
			},
		}

		payload, _ := json.Marshal(stmt)
		if err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicStatementIngested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		deadline := time.Now().Add(2 * time.Second)
		for results.Load() < 3 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		if got := results.Load(); got != 3 {
			t.Errorf("expected 3 resolution results, got %d", got)
		}
		// Line 2 is unclassified, line 3 is unpriced: both go to review.
		if got := reviews.Load(); got != 2 {
			t.Errorf("expected 2 review items, got %d", got)
		}
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		w := NewWorker(eventBus, facade, 1)
		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		time.Sleep(50 * time.Millisecond)

		err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicStatementIngested, []byte("not json"))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Worker must log and survive; subsequent batches still process.
		time.Sleep(50 * time.Millisecond)
		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("worker lost its subscription after bad payload")
		}
	})
}
