// Package service implements the classification and rate query facade.
// It owns the write path: every mutation is validated, persisted to the
// repository, and only then published into the in-memory engines, so the
// live snapshots never hold state the database does not.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/match"
	"github.com/opensource-finance/shrike/internal/rate"
)

// EngineVersion is stamped into resolution metadata.
const EngineVersion = "shrike-1.0"

// rateCacheTTL bounds how long a resolved rate may be served from cache.
const rateCacheTTL = 5 * time.Minute

// Service wires the repository, cache, event bus, and the two in-memory
// engines behind one facade.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	engine *match.Engine
	rates  *rate.Store

	// mu serializes admin mutations so the repository write and the
	// snapshot publication that follows it stay in order.
	mu sync.Mutex

	// generations invalidates cached rate lookups wholesale: every write
	// to a series bumps its generation, orphaning old cache keys.
	generations sync.Map // "profileID/series" -> int64
}

// New creates the facade. The engines start empty; call Load to warm them
// from the repository.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *match.Engine, rates *rate.Store) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		bus:    bus,
		engine: engine,
		rates:  rates,
	}
}

// Load hydrates both engines from the repository for one tenant. Used at
// startup and by the reload endpoint.
func (s *Service) Load(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	classifications, err := s.repo.ListClassifications(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load classifications: %w", err)
	}
	patterns, err := s.repo.ListPatterns(ctx, tenantID, domain.PatternFilter{})
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	if err := s.engine.Load(tenantID, classifications, patterns); err != nil {
		return fmt.Errorf("load rule set: %w", err)
	}

	profiles, err := s.repo.ListRateProfiles(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load rate profiles: %w", err)
	}
	for _, p := range profiles {
		s.rates.UpsertProfile(p)
		for _, series := range domain.AllSeries() {
			entries, err := s.repo.ListRateEntries(ctx, tenantID, p.ID, series)
			if err != nil {
				return fmt.Errorf("load rate entries for %s/%s: %w", p.ID, series, err)
			}
			if err := s.rates.ReplaceSeries(tenantID, p.ID, series, entries); err != nil {
				return fmt.Errorf("load series %s/%s: %w", p.ID, series, err)
			}
		}
	}

	slog.Info("engines loaded",
		"tenant_id", tenantID,
		"classifications", len(classifications),
		"patterns", len(patterns),
		"profiles", len(profiles),
	)
	return nil
}

// --- Classification CRUD ---

// CreateClassification validates, persists, and publishes a classification.
func (s *Service) CreateClassification(ctx context.Context, tenantID string, c *domain.Classification) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.GetClassificationByCode(ctx, tenantID, c.Code)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if existing != nil && existing.ID != c.ID {
		return fmt.Errorf("%w: classification code %q", domain.ErrCodeTaken, c.Code)
	}

	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
		c.CreatedAt = now
	}
	c.TenantID = tenantID
	c.UpdatedAt = now

	if err := s.repo.SaveClassification(ctx, tenantID, c); err != nil {
		return err
	}
	s.engine.UpsertClassification(tenantID, c)
	s.publish(ctx, tenantID, domain.TopicPatternsUpdated, map[string]string{
		"action":           "classification-upserted",
		"classificationId": c.ID,
	})
	return nil
}

// GetClassification returns one classification.
func (s *Service) GetClassification(ctx context.Context, tenantID, id string) (*domain.Classification, error) {
	return s.repo.GetClassification(ctx, tenantID, id)
}

// ListClassifications returns the tenant's active set.
func (s *Service) ListClassifications(ctx context.Context, tenantID string) ([]*domain.Classification, error) {
	return s.repo.ListClassifications(ctx, tenantID)
}

// DeleteClassification removes a classification. Deletion is blocked while
// any pattern still references it.
func (s *Service) DeleteClassification(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetClassification(ctx, tenantID, id); err != nil {
		return err
	}
	refs, err := s.repo.CountPatternsForClassification(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: %d pattern(s) reference classification %s",
			domain.ErrClassificationInUse, refs, id)
	}

	if err := s.repo.DeleteClassification(ctx, tenantID, id); err != nil {
		return err
	}
	s.engine.RemoveClassification(tenantID, id)
	s.publish(ctx, tenantID, domain.TopicPatternsUpdated, map[string]string{
		"action":           "classification-deleted",
		"classificationId": id,
	})
	return nil
}

// --- Pattern CRUD ---

// CreatePattern validates a pattern (including regex compilability),
// persists it, and adds it to the live rule set.
func (s *Service) CreatePattern(ctx context.Context, tenantID string, p *domain.Pattern) error {
	if err := match.ValidatePattern(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetClassification(ctx, tenantID, p.ClassificationID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownClassification, p.ClassificationID)
		}
		return err
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	}
	p.TenantID = tenantID
	p.UpdatedAt = now

	if err := s.repo.SavePattern(ctx, tenantID, p); err != nil {
		return err
	}
	if err := s.engine.AddPattern(tenantID, p); err != nil {
		return err
	}
	s.publish(ctx, tenantID, domain.TopicPatternsUpdated, map[string]string{
		"action":    "pattern-upserted",
		"patternId": p.ID,
	})
	return nil
}

// UpdatePattern replaces an existing pattern, keeping its creation time
// for tie-break stability.
func (s *Service) UpdatePattern(ctx context.Context, tenantID, id string, p *domain.Pattern) error {
	existing, err := s.repo.GetPattern(ctx, tenantID, id)
	if err != nil {
		return err
	}
	p.ID = id
	p.CreatedAt = existing.CreatedAt
	return s.CreatePattern(ctx, tenantID, p)
}

// GetPattern returns one pattern.
func (s *Service) GetPattern(ctx context.Context, tenantID, id string) (*domain.Pattern, error) {
	return s.repo.GetPattern(ctx, tenantID, id)
}

// ListPatterns returns patterns matching the filter.
func (s *Service) ListPatterns(ctx context.Context, tenantID string, filter domain.PatternFilter) ([]*domain.Pattern, error) {
	return s.repo.ListPatterns(ctx, tenantID, filter)
}

// DeletePattern removes a pattern from storage and the live rule set.
func (s *Service) DeletePattern(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetPattern(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.repo.DeletePattern(ctx, tenantID, id); err != nil {
		return err
	}
	s.engine.RemovePattern(tenantID, id)
	s.publish(ctx, tenantID, domain.TopicPatternsUpdated, map[string]string{
		"action":    "pattern-deleted",
		"patternId": id,
	})
	return nil
}

// ReloadPatterns rebuilds the rule set from the repository.
func (s *Service) ReloadPatterns(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	classifications, err := s.repo.ListClassifications(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	patterns, err := s.repo.ListPatterns(ctx, tenantID, domain.PatternFilter{})
	if err != nil {
		return 0, err
	}
	if err := s.engine.Load(tenantID, classifications, patterns); err != nil {
		return 0, err
	}
	s.publish(ctx, tenantID, domain.TopicPatternsUpdated, map[string]string{"action": "reload"})
	return len(patterns), nil
}

// --- Rate profile and schedule CRUD ---

// CreateRateProfile validates and persists a profile and makes it
// resolvable.
func (s *Service) CreateRateProfile(ctx context.Context, tenantID string, p *domain.RateProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.ListRateProfiles(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.Code == p.Code && other.ID != p.ID {
			return fmt.Errorf("%w: rate profile code %q", domain.ErrCodeTaken, p.Code)
		}
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	}
	p.TenantID = tenantID
	p.UpdatedAt = now

	if err := s.repo.SaveRateProfile(ctx, tenantID, p); err != nil {
		return err
	}
	s.rates.UpsertProfile(p)
	s.publish(ctx, tenantID, domain.TopicRatesUpdated, map[string]string{
		"action":    "profile-upserted",
		"profileId": p.ID,
	})
	return nil
}

// GetRateProfile returns one profile.
func (s *Service) GetRateProfile(ctx context.Context, tenantID, id string) (*domain.RateProfile, error) {
	return s.repo.GetRateProfile(ctx, tenantID, id)
}

// ListRateProfiles returns the tenant's profiles.
func (s *Service) ListRateProfiles(ctx context.Context, tenantID string) ([]*domain.RateProfile, error) {
	return s.repo.ListRateProfiles(ctx, tenantID)
}

// AddRateEntry appends a time-versioned entry to a profile series. The
// interval is validated against the live series before anything is
// persisted, so an overlapping entry never reaches storage.
func (s *Service) AddRateEntry(ctx context.Context, tenantID, profileID string, series domain.SeriesName, e *domain.RateEntry) error {
	if !series.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownSeries, series)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetRateProfile(ctx, tenantID, profileID); err != nil {
		return err
	}
	for _, existing := range s.rates.Series(tenantID, profileID, series) {
		if existing.Overlaps(e) {
			return fmt.Errorf("%w: [%s, %s] overlaps existing [%s, %s]",
				domain.ErrOverlappingInterval,
				e.EffectiveFrom, e.EffectiveTo,
				existing.EffectiveFrom, existing.EffectiveTo)
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
		e.CreatedAt = time.Now().UTC()
	}

	if err := s.repo.SaveRateEntry(ctx, tenantID, profileID, series, e); err != nil {
		return err
	}
	if err := s.rates.AddEntry(tenantID, profileID, series, e); err != nil {
		return err
	}
	s.bumpGeneration(profileID, series)
	s.publish(ctx, tenantID, domain.TopicRatesUpdated, map[string]string{
		"action":    "entry-added",
		"profileId": profileID,
		"series":    string(series),
		"entryId":   e.ID,
	})
	return nil
}

// DeleteRateEntry removes an entry from storage and the live series.
func (s *Service) DeleteRateEntry(ctx context.Context, tenantID, profileID string, series domain.SeriesName, entryID string) error {
	if !series.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownSeries, series)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteRateEntry(ctx, tenantID, profileID, series, entryID); err != nil {
		return err
	}
	if err := s.rates.RemoveEntry(tenantID, profileID, series, entryID); err != nil {
		return err
	}
	s.bumpGeneration(profileID, series)
	s.publish(ctx, tenantID, domain.TopicRatesUpdated, map[string]string{
		"action":    "entry-removed",
		"profileId": profileID,
		"series":    string(series),
		"entryId":   entryID,
	})
	return nil
}

// ListRateEntries returns the ordered live series.
func (s *Service) ListRateEntries(ctx context.Context, tenantID, profileID string, series domain.SeriesName) ([]*domain.RateEntry, error) {
	if !series.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSeries, series)
	}
	if _, err := s.repo.GetRateProfile(ctx, tenantID, profileID); err != nil {
		return nil, err
	}
	return s.rates.Series(tenantID, profileID, series), nil
}

// --- Queries ---

// Classify matches transaction text against the live rule set. ok=false
// means Unclassified, an expected outcome.
func (s *Service) Classify(ctx context.Context, tenantID, text, bankID string) (domain.Match, bool, error) {
	if text == "" {
		return domain.Match{}, false, fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
	}
	m, ok := s.engine.Classify(tenantID, text, bankID)
	return m, ok, nil
}

// Resolve finds the rate in force on a date for (profile, series).
// ok=false means no covering entry, an expected outcome.
func (s *Service) Resolve(ctx context.Context, tenantID, profileID string, series domain.SeriesName, onDate civil.Date) (*domain.RateEntry, bool, error) {
	if !series.Valid() {
		return nil, false, fmt.Errorf("%w: %q", domain.ErrUnknownSeries, series)
	}
	if !onDate.IsValid() {
		return nil, false, fmt.Errorf("%w: date is required", domain.ErrInvalidInput)
	}
	if _, ok := s.rates.Profile(tenantID, profileID); !ok {
		if _, err := s.repo.GetRateProfile(ctx, tenantID, profileID); err != nil {
			return nil, false, err
		}
	}

	key := s.rateCacheKey(profileID, series, onDate)
	if cached, err := s.cache.GetRateEntry(ctx, tenantID, key); err == nil && cached != nil {
		return cached, true, nil
	}

	entry, ok := s.rates.Resolve(tenantID, profileID, series, onDate)
	if !ok {
		return nil, false, nil
	}
	if err := s.cache.SetRateEntry(ctx, tenantID, key, entry, rateCacheTTL); err != nil {
		slog.Warn("failed to cache resolved rate", "key", key, "error", err)
	}
	return entry, true, nil
}

// PriceRequest is one classify-and-price call for a statement line.
type PriceRequest struct {
	Text      string            `json:"text"`
	BankID    string            `json:"bankId"`
	ProfileID string            `json:"profileId"`
	Series    domain.SeriesName `json:"series"`
	ValueDate civil.Date        `json:"valueDate"`

	// FallbackToProfileDefault opts in to the profile-level scalar rate
	// when no versioned entry covers the value date. Off by default: a
	// silent fallback would hide schedule gaps from review.
	FallbackToProfileDefault bool `json:"fallbackToProfileDefault,omitempty"`
}

// Validate checks the request shape.
func (r *PriceRequest) Validate() error {
	if r.Text == "" {
		return fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
	}
	if r.ProfileID == "" {
		return fmt.Errorf("%w: profileId is required", domain.ErrInvalidInput)
	}
	if !r.Series.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownSeries, r.Series)
	}
	if !r.ValueDate.IsValid() {
		return fmt.Errorf("%w: valueDate is required", domain.ErrInvalidInput)
	}
	return nil
}

// ClassifyAndPrice runs both halves for one transaction line and persists
// the resolution. Both statuses are always present: a matched line with no
// covering rate is CLASSIFIED + UNPRICED, never a dropped half.
func (s *Service) ClassifyAndPrice(ctx context.Context, tenantID string, req *PriceRequest) (*domain.Resolution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetRateProfile(ctx, tenantID, req.ProfileID); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &domain.Resolution{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		BankID:          req.BankID,
		TransactionText: req.Text,
		ValueDate:       req.ValueDate,
		ProfileID:       req.ProfileID,
		Series:          req.Series,
		Timestamp:       time.Now().UTC(),
	}

	matchStart := time.Now()
	m, matched := s.engine.Classify(tenantID, req.Text, req.BankID)
	matchMs := time.Since(matchStart).Milliseconds()

	if matched {
		res.ClassificationStatus = domain.StatusClassified
		res.ClassificationID = m.Classification.ID
		res.Code = m.Classification.Code
		res.Category = m.Classification.Category
		res.PatternID = m.Pattern.ID
	} else {
		res.ClassificationStatus = domain.StatusUnclassified
		res.Reason = "no pattern matched"
	}

	resolveStart := time.Now()
	entry, priced, err := s.Resolve(ctx, tenantID, req.ProfileID, req.Series, req.ValueDate)
	if err != nil {
		return nil, err
	}
	resolveMs := time.Since(resolveStart).Milliseconds()

	switch {
	case priced:
		res.PricingStatus = domain.StatusPriced
		res.Rate = &entry.Rate
		res.RateFrom = &entry.EffectiveFrom
		res.RateTo = &entry.EffectiveTo
	case req.FallbackToProfileDefault:
		if fallback, ok := s.profileDefault(tenantID, req.ProfileID, req.Series); ok {
			res.PricingStatus = domain.StatusPriced
			res.Rate = &fallback
			res.Reason = appendReason(res.Reason, "profile default rate applied")
		} else {
			res.PricingStatus = domain.StatusUnpriced
			res.Reason = appendReason(res.Reason, "no rate entry covers value date and profile has no default")
		}
	default:
		res.PricingStatus = domain.StatusUnpriced
		res.Reason = appendReason(res.Reason, "no rate entry covers value date")
	}

	res.Metadata = domain.ResolutionMetadata{
		TraceID:         traceIDFromContext(ctx),
		MatchMs:         matchMs,
		ResolveMs:       resolveMs,
		TotalMs:         time.Since(start).Milliseconds(),
		PatternsVisible: s.engine.PatternsVisible(tenantID, req.BankID),
		EngineVersion:   EngineVersion,
	}

	if err := s.repo.SaveResolution(ctx, tenantID, res); err != nil {
		return nil, fmt.Errorf("save resolution: %w", err)
	}
	s.publishResolution(ctx, tenantID, res)
	return res, nil
}

// ClassifyAndPriceBatch fans a statement batch across a bounded worker
// pool. Classification and resolution are pure reads over immutable
// snapshots, so lines can run in parallel; results keep input order.
func (s *Service) ClassifyAndPriceBatch(ctx context.Context, tenantID string, reqs []*PriceRequest, concurrency int) ([]*domain.Resolution, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]*domain.Resolution, len(reqs))
	errs := make([]error, len(reqs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req *PriceRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = s.ClassifyAndPrice(ctx, tenantID, req)
		}(i, req)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
	}
	return results, nil
}

// GetResolution returns a persisted resolution.
func (s *Service) GetResolution(ctx context.Context, tenantID, id string) (*domain.Resolution, error) {
	return s.repo.GetResolution(ctx, tenantID, id)
}

// PatternCount returns the tenant's number of live patterns.
func (s *Service) PatternCount(tenantID string) int {
	return s.engine.PatternCount(tenantID)
}

// --- internals ---

func (s *Service) profileDefault(tenantID, profileID string, series domain.SeriesName) (decimal.Decimal, bool) {
	p, ok := s.rates.Profile(tenantID, profileID)
	if !ok {
		return decimal.Decimal{}, false
	}
	return p.DefaultRate(series)
}

func (s *Service) rateCacheKey(profileID string, series domain.SeriesName, onDate civil.Date) string {
	gen, _ := s.generations.LoadOrStore(profileID+"/"+string(series), int64(0))
	return fmt.Sprintf("rate:%s:%s:%s:g%d", profileID, series, onDate, gen.(int64))
}

func (s *Service) bumpGeneration(profileID string, series domain.SeriesName) {
	key := profileID + "/" + string(series)
	for {
		cur, _ := s.generations.LoadOrStore(key, int64(0))
		if s.generations.CompareAndSwap(key, cur, cur.(int64)+1) {
			return
		}
	}
}

// publishResolution emits the result topic and, when either half needs
// manual attention, the review topic plus its per-bank counters.
func (s *Service) publishResolution(ctx context.Context, tenantID string, res *domain.Resolution) {
	payload, err := json.Marshal(res)
	if err != nil {
		slog.Error("failed to marshal resolution", "resolution_id", res.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicResolutionResult, payload); err != nil {
		slog.Warn("failed to publish resolution result", "resolution_id", res.ID, "error", err)
	}

	if !res.NeedsReview() {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicReviewQueue, payload); err != nil {
		slog.Warn("failed to publish review item", "resolution_id", res.ID, "error", err)
	}
	if res.ClassificationStatus == domain.StatusUnclassified {
		s.bumpReviewCounter(ctx, tenantID, "review:unclassified:"+res.BankID)
	}
	if res.PricingStatus == domain.StatusUnpriced {
		s.bumpReviewCounter(ctx, tenantID, "review:unpriced:"+res.BankID)
	}
}

func (s *Service) bumpReviewCounter(ctx context.Context, tenantID, key string) {
	if _, err := s.cache.IncrementCounter(ctx, tenantID, key, 24*time.Hour); err != nil {
		slog.Warn("failed to increment review counter", "key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, fields map[string]string) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// traceIDFromContext prefers the active span's trace ID so resolutions
// correlate with request traces; outside a span a fresh ID is minted.
func traceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

func appendReason(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
