package service

import (
	"context"
	"errors"
	"os"
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
)

const testTenant = "tenant-test"

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "service-test-*.db")
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
	return repo
}

func newTestService(t *testing.T, repo domain.Repository) *Service {
	t.Helper()

	lruCache := cache.NewLRUCache(100)
	t.Cleanup(func() { lruCache.Close() })

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	return New(repo, lruCache, eventBus, match.NewEngine(), rate.NewStore())
}

func seedClassification(t *testing.T, svc *Service, id, code string) {
	t.Helper()
	if err := svc.CreateClassification(context.Background(), testTenant, &domain.Classification{
		ID:       id,
		Code:     code,
		Category: domain.CategoryDebit,
		Label:    code + " charges",
	}); err != nil {
		t.Fatalf("seed classification %s: %v", code, err)
	}
}

func seedProfile(t *testing.T, svc *Service, id string) {
	t.Helper()
	if err := svc.CreateRateProfile(context.Background(), testTenant, &domain.RateProfile{
		ID:       id,
		ClientID: "client-" + id,
		Code:     "PRF-" + id,
		Currency: "NGN",
	}); err != nil {
		t.Fatalf("seed profile %s: %v", id, err)
	}
}

func TestClassificationCRUD(t *testing.T) {
	svc := newTestService(t, newTestRepo(t))
	ctx := context.Background()

	t.Run("CreateGeneratesID", func(t *testing.T) {
		c := &domain.Classification{
			Code:     "COT",
			Category: domain.CategoryDebit,
			Label:    "Commission on turnover",
		}
		if err := svc.CreateClassification(ctx, testTenant, c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if c.ID == "" {
			t.Error("expected generated ID")
		}
		if c.CreatedAt.IsZero() {
			t.Error("expected createdAt to be set")
		}
	})

	t.Run("DuplicateCodeRejected", func(t *testing.T) {
		err := svc.CreateClassification(ctx, testTenant, &domain.Classification{
			Code:     "COT",
			Category: domain.CategoryDebit,
			Label:    "Duplicate",
		})
		if !errors.Is(err, domain.ErrCodeTaken) {
			t.Errorf("expected ErrCodeTaken, got %v", err)
		}
	})

	t.Run("InvalidShapeRejected", func(t *testing.T) {
		err := svc.CreateClassification(ctx, testTenant, &domain.Classification{
			Code:     "NOLABEL",
			Category: domain.CategoryDebit,
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("DeleteBlockedWhileReferenced", func(t *testing.T) {
		seedClassification(t, svc, "cls-vat", "VAT")
		if err := svc.CreatePattern(ctx, testTenant, &domain.Pattern{
			ID:               "pat-vat",
			Keyword:          "VAT",
			Scope:            domain.GlobalScope(),
			ClassificationID: "cls-vat",
		}); err != nil {
			t.Fatalf("create pattern: %v", err)
		}

		err := svc.DeleteClassification(ctx, testTenant, "cls-vat")
		if !errors.Is(err, domain.ErrClassificationInUse) {
			t.Errorf("expected ErrClassificationInUse, got %v", err)
		}

		if err := svc.DeletePattern(ctx, testTenant, "pat-vat"); err != nil {
			t.Fatalf("delete pattern: %v", err)
		}
		if err := svc.DeleteClassification(ctx, testTenant, "cls-vat"); err != nil {
			t.Errorf("delete after unreferencing failed: %v", err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		err := svc.DeleteClassification(ctx, testTenant, "cls-nope")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPatternCRUD(t *testing.T) {
	svc := newTestService(t, newTestRepo(t))
	ctx := context.Background()
	seedClassification(t, svc, "cls-cot", "COT")

	t.Run("UnknownClassificationRejected", func(t *testing.T) {
		err := svc.CreatePattern(ctx, testTenant, &domain.Pattern{
			Keyword:          "ORPHAN",
			Scope:            domain.GlobalScope(),
			ClassificationID: "cls-missing",
		})
		if !errors.Is(err, domain.ErrUnknownClassification) {
			t.Errorf("expected ErrUnknownClassification, got %v", err)
		}
	})

	t.Run("BadRegexNeverPersisted", func(t *testing.T) {
		err := svc.CreatePattern(ctx, testTenant, &domain.Pattern{
			Keyword:          "TRF[0-9+",
			IsRegex:          true,
			Scope:            domain.GlobalScope(),
			ClassificationID: "cls-cot",
		})
		if !errors.Is(err, domain.ErrInvalidPattern) {
			t.Errorf("expected ErrInvalidPattern, got %v", err)
		}
		list, err := svc.ListPatterns(ctx, testTenant, domain.PatternFilter{})
		if err != nil {
			t.Fatalf("list patterns: %v", err)
		}
		if len(list) != 0 {
			t.Errorf("expected rejected pattern to stay out of storage, found %d", len(list))
		}
	})

	t.Run("UpdateKeepsCreationTime", func(t *testing.T) {
		p := &domain.Pattern{
			ID:               "pat-1",
			Keyword:          "COT",
			Scope:            domain.GlobalScope(),
			ClassificationID: "cls-cot",
		}
		if err := svc.CreatePattern(ctx, testTenant, p); err != nil {
			t.Fatalf("create pattern: %v", err)
		}
		created := p.CreatedAt

		time.Sleep(10 * time.Millisecond)
		if err := svc.UpdatePattern(ctx, testTenant, "pat-1", &domain.Pattern{
			Keyword:          "COT LEVY",
			Scope:            domain.GlobalScope(),
			ClassificationID: "cls-cot",
		}); err != nil {
			t.Fatalf("update pattern: %v", err)
		}

		got, err := svc.GetPattern(ctx, testTenant, "pat-1")
		if err != nil {
			t.Fatalf("get pattern: %v", err)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected createdAt %v preserved, got %v", created, got.CreatedAt)
		}
		if got.Keyword != "COT LEVY" {
			t.Errorf("expected updated keyword, got %q", got.Keyword)
		}
	})

	t.Run("ReloadRebuildsEngine", func(t *testing.T) {
		count, err := svc.ReloadPatterns(ctx, testTenant)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 pattern reloaded, got %d", count)
		}
		if _, ok, _ := svc.Classify(ctx, testTenant, "COT LEVY MARCH", "gtb"); !ok {
			t.Error("expected classification after reload")
		}
	})
}

func TestRateEntryLifecycle(t *testing.T) {
	svc := newTestService(t, newTestRepo(t))
	ctx := context.Background()
	seedProfile(t, svc, "prof-1")

	april := &domain.RateEntry{
		ID:            "re-apr",
		Rate:          decimal.RequireFromString("5"),
		EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 1},
		EffectiveTo:   civil.Date{Year: 2023, Month: 4, Day: 30},
	}
	if err := svc.AddRateEntry(ctx, testTenant, "prof-1", domain.SeriesDebit, april); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	t.Run("OverlapNeverReachesStorage", func(t *testing.T) {
		err := svc.AddRateEntry(ctx, testTenant, "prof-1", domain.SeriesDebit, &domain.RateEntry{
			Rate:          decimal.RequireFromString("6"),
			EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 30},
			EffectiveTo:   civil.Date{Year: 2023, Month: 5, Day: 15},
		})
		if !errors.Is(err, domain.ErrOverlappingInterval) {
			t.Fatalf("expected ErrOverlappingInterval, got %v", err)
		}

		entries, err := svc.ListRateEntries(ctx, testTenant, "prof-1", domain.SeriesDebit)
		if err != nil {
			t.Fatalf("list entries: %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("expected 1 entry, got %d", len(entries))
		}
	})

	t.Run("SameSeriesOtherProfileUnaffected", func(t *testing.T) {
		seedProfile(t, svc, "prof-2")
		err := svc.AddRateEntry(ctx, testTenant, "prof-2", domain.SeriesDebit, &domain.RateEntry{
			Rate:          decimal.RequireFromString("9"),
			EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 1},
			EffectiveTo:   civil.Date{Year: 2023, Month: 4, Day: 30},
		})
		if err != nil {
			t.Errorf("expected no overlap across profiles, got %v", err)
		}
	})

	t.Run("UnknownSeriesRejected", func(t *testing.T) {
		err := svc.AddRateEntry(ctx, testTenant, "prof-1", "bogus", &domain.RateEntry{
			Rate:          decimal.RequireFromString("1"),
			EffectiveFrom: civil.Date{Year: 2023, Month: 6, Day: 1},
			EffectiveTo:   civil.Date{Year: 2023, Month: 6, Day: 30},
		})
		if !errors.Is(err, domain.ErrUnknownSeries) {
			t.Errorf("expected ErrUnknownSeries, got %v", err)
		}
	})

	t.Run("DeleteInvalidatesCachedRate", func(t *testing.T) {
		onDate := civil.Date{Year: 2023, Month: 4, Day: 15}

		entry, ok, err := svc.Resolve(ctx, testTenant, "prof-1", domain.SeriesDebit, onDate)
		if err != nil || !ok {
			t.Fatalf("resolve: ok=%v err=%v", ok, err)
		}
		if !entry.Rate.Equal(april.Rate) {
			t.Fatalf("expected rate 5, got %s", entry.Rate)
		}

		// Resolve again so the answer is definitely cached, then delete.
		if _, ok, _ := svc.Resolve(ctx, testTenant, "prof-1", domain.SeriesDebit, onDate); !ok {
			t.Fatal("expected cached resolve to succeed")
		}
		if err := svc.DeleteRateEntry(ctx, testTenant, "prof-1", domain.SeriesDebit, "re-apr"); err != nil {
			t.Fatalf("delete entry: %v", err)
		}

		if _, ok, err := svc.Resolve(ctx, testTenant, "prof-1", domain.SeriesDebit, onDate); err != nil || ok {
			t.Errorf("expected no covering entry after delete, ok=%v err=%v", ok, err)
		}
	})
}

func TestClassifyAndPrice(t *testing.T) {
	svc := newTestService(t, newTestRepo(t))
	ctx := context.Background()

	seedClassification(t, svc, "cls-cot", "COT")
	if err := svc.CreatePattern(ctx, testTenant, &domain.Pattern{
		ID:               "pat-cot",
		Keyword:          "COT",
		Scope:            domain.GlobalScope(),
		ClassificationID: "cls-cot",
	}); err != nil {
		t.Fatalf("create pattern: %v", err)
	}

	profile := &domain.RateProfile{
		ID:       "prof-1",
		ClientID: "client-1",
		Code:     "STD",
		Currency: "NGN",
		Scalars: domain.ScalarRates{
			DebitRate: decimal.RequireFromString("2.5"),
		},
	}
	if err := svc.CreateRateProfile(ctx, testTenant, profile); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := svc.AddRateEntry(ctx, testTenant, "prof-1", domain.SeriesDebit, &domain.RateEntry{
		Rate:          decimal.RequireFromString("5"),
		EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 1},
		EffectiveTo:   civil.Date{Year: 2023, Month: 4, Day: 30},
	}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	t.Run("ClassifiedAndPriced", func(t *testing.T) {
		res, err := svc.ClassifyAndPrice(ctx, testTenant, &PriceRequest{
			Text:      "COT CHARGE MARCH",
			BankID:    "gtb",
			ProfileID: "prof-1",
			Series:    domain.SeriesDebit,
			ValueDate: civil.Date{Year: 2023, Month: 4, Day: 15},
		})
		if err != nil {
			t.Fatalf("classify and price: %v", err)
		}
		if res.ClassificationStatus != domain.StatusClassified {
			t.Errorf("expected CLASSIFIED, got %s", res.ClassificationStatus)
		}
		if res.PricingStatus != domain.StatusPriced {
			t.Errorf("expected PRICED, got %s", res.PricingStatus)
		}
		if res.Rate == nil || !res.Rate.Equal(decimal.RequireFromString("5")) {
			t.Errorf("expected rate 5, got %v", res.Rate)
		}
		if res.Metadata.EngineVersion != EngineVersion {
			t.Errorf("expected engine version %s, got %s", EngineVersion, res.Metadata.EngineVersion)
		}

		stored, err := svc.GetResolution(ctx, testTenant, res.ID)
		if err != nil {
			t.Fatalf("get resolution: %v", err)
		}
		if stored.Code != "COT" {
			t.Errorf("expected persisted code COT, got %s", stored.Code)
		}
	})

	t.Run("UnclassifiedButPriced", func(t *testing.T) {
		res, err := svc.ClassifyAndPrice(ctx, testTenant, &PriceRequest{
			Text:      "MYSTERY NARRATION",
			ProfileID: "prof-1",
			Series:    domain.SeriesDebit,
			ValueDate: civil.Date{Year: 2023, Month: 4, Day: 15},
		})
		if err != nil {
			t.Fatalf("classify and price: %v", err)
		}
		if res.ClassificationStatus != domain.StatusUnclassified {
			t.Errorf("expected UNCLASSIFIED, got %s", res.ClassificationStatus)
		}
		if res.PricingStatus != domain.StatusPriced {
			t.Errorf("expected PRICED, got %s", res.PricingStatus)
		}
	})

	t.Run("NoFallbackByDefault", func(t *testing.T) {
		res, err := svc.ClassifyAndPrice(ctx, testTenant, &PriceRequest{
			Text:      "COT CHARGE",
			ProfileID: "prof-1",
			Series:    domain.SeriesDebit,
			ValueDate: civil.Date{Year: 2023, Month: 6, Day: 1},
		})
		if err != nil {
			t.Fatalf("classify and price: %v", err)
		}
		if res.PricingStatus != domain.StatusUnpriced {
			t.Errorf("expected UNPRICED without fallback, got %s", res.PricingStatus)
		}
		if res.Rate != nil {
			t.Errorf("expected no rate, got %v", res.Rate)
		}
	})

	t.Run("FallbackToProfileDefaultOptIn", func(t *testing.T) {
		res, err := svc.ClassifyAndPrice(ctx, testTenant, &PriceRequest{
			Text:                     "COT CHARGE",
			ProfileID:                "prof-1",
			Series:                   domain.SeriesDebit,
			ValueDate:                civil.Date{Year: 2023, Month: 6, Day: 1},
			FallbackToProfileDefault: true,
		})
		if err != nil {
			t.Fatalf("classify and price: %v", err)
		}
		if res.PricingStatus != domain.StatusPriced {
			t.Fatalf("expected PRICED via fallback, got %s", res.PricingStatus)
		}
		if res.Rate == nil || !res.Rate.Equal(decimal.RequireFromString("2.5")) {
			t.Errorf("expected profile default 2.5, got %v", res.Rate)
		}
	})

	t.Run("FallbackOnlyCoversDebitSeries", func(t *testing.T) {
		res, err := svc.ClassifyAndPrice(ctx, testTenant, &PriceRequest{
			Text:                     "COT CHARGE",
			ProfileID:                "prof-1",
			Series:                   domain.SeriesLoanInterest,
			ValueDate:                civil.Date{Year: 2023, Month: 6, Day: 1},
			FallbackToProfileDefault: true,
		})
		if err != nil {
			t.Fatalf("classify and price: %v", err)
		}
		if res.PricingStatus != domain.StatusUnpriced {
			t.Errorf("expected UNPRICED for series without a scalar default, got %s", res.PricingStatus)
		}
	})

	t.Run("UnknownProfileIsAnError", func(t *testing.T) {
		_, err := svc.ClassifyAndPrice(ctx, testTenant, &PriceRequest{
			Text:      "COT CHARGE",
			ProfileID: "prof-missing",
			Series:    domain.SeriesDebit,
			ValueDate: civil.Date{Year: 2023, Month: 4, Day: 15},
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BatchKeepsInputOrder", func(t *testing.T) {
		texts := []string{"COT ALPHA", "UNKNOWN BETA", "COT GAMMA", "UNKNOWN DELTA"}
		reqs := make([]*PriceRequest, len(texts))
		for i, text := range texts {
			reqs[i] = &PriceRequest{
				Text:      text,
				ProfileID: "prof-1",
				Series:    domain.SeriesDebit,
				ValueDate: civil.Date{Year: 2023, Month: 4, Day: 15},
			}
		}

		results, err := svc.ClassifyAndPriceBatch(ctx, testTenant, reqs, 3)
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if len(results) != len(texts) {
			t.Fatalf("expected %d results, got %d", len(texts), len(results))
		}
		for i, res := range results {
			if res.TransactionText != texts[i] {
				t.Errorf("result %d out of order: got %q", i, res.TransactionText)
			}
		}
		if results[0].ClassificationStatus != domain.StatusClassified {
			t.Errorf("expected line 0 CLASSIFIED, got %s", results[0].ClassificationStatus)
		}
		if results[1].ClassificationStatus != domain.StatusUnclassified {
			t.Errorf("expected line 1 UNCLASSIFIED, got %s", results[1].ClassificationStatus)
		}
	})
}

func TestLoadWarmStart(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := newTestService(t, repo)
	seedClassification(t, first, "cls-cot", "COT")
	if err := first.CreatePattern(ctx, testTenant, &domain.Pattern{
		Keyword:          "COT",
		Scope:            domain.GlobalScope(),
		ClassificationID: "cls-cot",
	}); err != nil {
		t.Fatalf("create pattern: %v", err)
	}
	seedProfile(t, first, "prof-1")
	if err := first.AddRateEntry(ctx, testTenant, "prof-1", domain.SeriesDebit, &domain.RateEntry{
		Rate:          decimal.RequireFromString("5"),
		EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 1},
		EffectiveTo:   civil.Date{Year: 2023, Month: 4, Day: 30},
	}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	// A fresh process over the same repository rebuilds both stores.
	second := newTestService(t, repo)
	if err := second.Load(ctx, testTenant); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, ok, _ := second.Classify(ctx, testTenant, "COT CHARGE", "gtb"); !ok {
		t.Error("expected pattern set to survive restart")
	}
	entry, ok, err := second.Resolve(ctx, testTenant, "prof-1", domain.SeriesDebit, civil.Date{Year: 2023, Month: 4, Day: 15})
	if err != nil || !ok {
		t.Fatalf("resolve after restart: ok=%v err=%v", ok, err)
	}
	if !entry.Rate.Equal(decimal.RequireFromString("5")) {
		t.Errorf("expected rate 5 after restart, got %s", entry.Rate)
	}
}

func TestTenantsAreIsolatedAcrossWarmStart(t *testing.T) {
	svc := newTestService(t, newTestRepo(t))
	ctx := context.Background()

	seed := func(tenantID, clsID, code, patID string) {
		t.Helper()
		if err := svc.CreateClassification(ctx, tenantID, &domain.Classification{
			ID:       clsID,
			Code:     code,
			Category: domain.CategoryDebit,
			Label:    code + " charges",
		}); err != nil {
			t.Fatalf("seed classification for %s: %v", tenantID, err)
		}
		if err := svc.CreatePattern(ctx, tenantID, &domain.Pattern{
			ID:               patID,
			ClassificationID: clsID,
			Scope:            domain.GlobalScope(),
			Keyword:          "COT",
		}); err != nil {
			t.Fatalf("seed pattern for %s: %v", tenantID, err)
		}
	}
	seed("tenant-a", "cls-a", "COT", "pat-a")
	seed("tenant-b", "cls-b", "LEVY", "pat-b")

	if err := svc.CreateRateProfile(ctx, "tenant-a", &domain.RateProfile{
		ID:       "prof-a",
		ClientID: "client-a",
		Code:     "STD",
		Currency: "NGN",
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := svc.AddRateEntry(ctx, "tenant-a", "prof-a", domain.SeriesDebit, &domain.RateEntry{
		ID:            "re-a",
		Rate:          decimal.RequireFromString("5"),
		EffectiveFrom: civil.Date{Year: 2023, Month: 4, Day: 1},
		EffectiveTo:   civil.Date{Year: 2023, Month: 4, Day: 30},
	}); err != nil {
		t.Fatalf("seed rate entry: %v", err)
	}

	// Warm-start both tenants the way the daemon does at boot.
	if err := svc.Load(ctx, "tenant-a"); err != nil {
		t.Fatalf("load tenant-a: %v", err)
	}
	if err := svc.Load(ctx, "tenant-b"); err != nil {
		t.Fatalf("load tenant-b: %v", err)
	}

	// Tenant a's rules survive tenant b's load, and the shared keyword
	// resolves to each tenant's own classification.
	m, ok, err := svc.Classify(ctx, "tenant-a", "CHG: COT MARCH", "gtb")
	if err != nil || !ok {
		t.Fatalf("tenant-a classify: ok=%v err=%v", ok, err)
	}
	if m.Classification.Code != "COT" {
		t.Errorf("tenant-a matched %s, want COT", m.Classification.Code)
	}
	m, ok, err = svc.Classify(ctx, "tenant-b", "CHG: COT MARCH", "gtb")
	if err != nil || !ok {
		t.Fatalf("tenant-b classify: ok=%v err=%v", ok, err)
	}
	if m.Classification.Code != "LEVY" {
		t.Errorf("tenant-b matched %s, want LEVY", m.Classification.Code)
	}

	// Tenant b cannot price against tenant a's warm-loaded profile.
	onDate := civil.Date{Year: 2023, Month: 4, Day: 15}
	if _, _, err := svc.Resolve(ctx, "tenant-b", "prof-a", domain.SeriesDebit, onDate); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("tenant-b resolve of foreign profile: got %v, want ErrNotFound", err)
	}
	if entry, ok, err := svc.Resolve(ctx, "tenant-a", "prof-a", domain.SeriesDebit, onDate); err != nil || !ok || entry.ID != "re-a" {
		t.Errorf("tenant-a resolve: entry=%v ok=%v err=%v", entry, ok, err)
	}
}
