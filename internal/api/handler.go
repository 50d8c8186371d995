package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/review"
	"github.com/opensource-finance/shrike/internal/service"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	facade  *service.Service
	review  *review.Service
	repo    domain.Repository
	cache   domain.Cache
	version string
}

// NewHandler creates a new API handler.
func NewHandler(facade *service.Service, reviewSvc *review.Service, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		facade:  facade,
		review:  reviewSvc,
		repo:    repo,
		cache:   cache,
		version: version,
	}
}

// ============================================================================
// STATEMENT LINE PROCESSING
// ============================================================================

// ClassifyRequest is the request body for POST /classify.
type ClassifyRequest struct {
	Text   string `json:"text"`
	BankID string `json:"bankId"`
}

// ClassifyResponse is the response for POST /classify. Status is always
// present; the classification fields are only set for CLASSIFIED.
type ClassifyResponse struct {
	Status           string           `json:"status"`
	ClassificationID string           `json:"classificationId,omitempty"`
	Code             string           `json:"code,omitempty"`
	Category         domain.Category  `json:"category,omitempty"`
	PatternID        string           `json:"patternId,omitempty"`
	Tier             domain.MatchTier `json:"tier,omitempty"`
}

// Classify handles POST /classify. An unmatched line is a 200 with status
// UNCLASSIFIED, never an error status.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	m, ok, err := h.facade.Classify(ctx, tenantID, req.Text, req.BankID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusOK, ClassifyResponse{Status: domain.StatusUnclassified})
		return
	}

	writeJSON(w, http.StatusOK, ClassifyResponse{
		Status:           domain.StatusClassified,
		ClassificationID: m.Classification.ID,
		Code:             m.Classification.Code,
		Category:         m.Classification.Category,
		PatternID:        m.Pattern.ID,
		Tier:             m.Tier,
	})
}

// ResolveRequest is the request body for POST /resolve.
type ResolveRequest struct {
	ProfileID string            `json:"profileId"`
	Series    domain.SeriesName `json:"series"`
	Date      civil.Date        `json:"date"`
}

// ResolveResponse is the response for POST /resolve.
type ResolveResponse struct {
	Status        string           `json:"status"`
	Rate          *decimal.Decimal `json:"rate,omitempty"`
	EffectiveFrom *civil.Date      `json:"effectiveFrom,omitempty"`
	EffectiveTo   *civil.Date      `json:"effectiveTo,omitempty"`
	EntryID       string           `json:"entryId,omitempty"`
}

// Resolve handles POST /resolve. A date no entry covers is a 200 with
// status UNPRICED.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	entry, ok, err := h.facade.Resolve(ctx, tenantID, req.ProfileID, req.Series, req.Date)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusOK, ResolveResponse{Status: domain.StatusUnpriced})
		return
	}

	writeJSON(w, http.StatusOK, ResolveResponse{
		Status:        domain.StatusPriced,
		Rate:          &entry.Rate,
		EffectiveFrom: &entry.EffectiveFrom,
		EffectiveTo:   &entry.EffectiveTo,
		EntryID:       entry.ID,
	})
}

// Price handles POST /price. Both halves run and both statuses come back
// tagged on the resolution.
func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req service.PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	res, err := h.facade.ClassifyAndPrice(ctx, tenantID, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetResolution retrieves a persisted resolution by ID.
func (h *Handler) GetResolution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	res, err := h.facade.GetResolution(ctx, tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// CLASSIFICATION HANDLERS
// ============================================================================

// CreateClassificationRequest is the request body for creating a classification.
type CreateClassificationRequest struct {
	ID          string          `json:"id,omitempty"`
	Code        string          `json:"code"`
	Category    domain.Category `json:"category"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
}

// CreateClassification creates a new classification type.
func (h *Handler) CreateClassification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateClassificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	c := &domain.Classification{
		ID:          req.ID,
		TenantID:    tenantID,
		Code:        req.Code,
		Category:    req.Category,
		Label:       req.Label,
		Description: req.Description,
	}

	if err := h.facade.CreateClassification(ctx, tenantID, c); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// ListClassifications returns all classifications for the tenant.
func (h *Handler) ListClassifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	list, err := h.facade.ListClassifications(ctx, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"classifications": list,
		"count":           len(list),
	})
}

// GetClassification retrieves a classification by ID.
func (h *Handler) GetClassification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	c, err := h.facade.GetClassification(ctx, tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// DeleteClassification removes a classification that no pattern references.
func (h *Handler) DeleteClassification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if err := h.facade.DeleteClassification(ctx, tenantID, id); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "classification deleted",
		"id":      id,
	})
}

// ============================================================================
// PATTERN HANDLERS
// ============================================================================

// PatternRequest is the request body for creating or updating a pattern.
type PatternRequest struct {
	ID               string `json:"id,omitempty"`
	Keyword          string `json:"keyword"`
	IsRegex          bool   `json:"isRegex"`
	IsGlobal         bool   `json:"isGlobal"`
	BankID           string `json:"bankId,omitempty"`
	ClassificationID string `json:"classificationId"`
}

func (req *PatternRequest) toDomain(tenantID string) (*domain.Pattern, error) {
	scope, err := domain.NewScope(req.IsGlobal, req.BankID)
	if err != nil {
		return nil, err
	}
	return &domain.Pattern{
		ID:               req.ID,
		TenantID:         tenantID,
		Keyword:          req.Keyword,
		IsRegex:          req.IsRegex,
		Scope:            scope,
		ClassificationID: req.ClassificationID,
	}, nil
}

// CreatePattern creates a new matching pattern. Regex patterns are
// compiled before anything persists, so classify never sees a broken one.
func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	p, err := req.toDomain(tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.facade.CreatePattern(ctx, tenantID, p); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// ListPatterns returns patterns, optionally filtered by bankId,
// classificationId, or global=true|false query parameters.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var filter domain.PatternFilter
	q := r.URL.Query()
	if v := q.Get("bankId"); v != "" {
		filter.BankID = &v
	}
	if v := q.Get("classificationId"); v != "" {
		filter.ClassificationID = &v
	}
	if v := q.Get("global"); v != "" {
		g := v == "true"
		filter.Global = &g
	}

	list, err := h.facade.ListPatterns(ctx, tenantID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": list,
		"count":    len(list),
	})
}

// GetPattern retrieves a pattern by ID.
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	p, err := h.facade.GetPattern(ctx, tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// UpdatePattern replaces a pattern in place, keeping its original
// creation time so tie-break ordering is stable.
func (h *Handler) UpdatePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	p, err := req.toDomain(tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.facade.UpdatePattern(ctx, tenantID, id, p); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// DeletePattern removes a pattern from the store and the live rule set.
func (h *Handler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if err := h.facade.DeletePattern(ctx, tenantID, id); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "pattern deleted",
		"id":      id,
	})
}

// ReloadPatterns rebuilds the matching engine from the repository.
func (h *Handler) ReloadPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	count, err := h.facade.ReloadPatterns(ctx, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "patterns reloaded successfully",
		"count":   count,
	})
}

// ============================================================================
// RATE PROFILE HANDLERS
// ============================================================================

// CreateProfile creates a new client rate profile.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var p domain.RateProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	p.TenantID = tenantID

	if err := h.facade.CreateRateProfile(ctx, tenantID, &p); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// ListProfiles returns all rate profiles for the tenant.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	list, err := h.facade.ListRateProfiles(ctx, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": list,
		"count":    len(list),
	})
}

// GetProfile retrieves a rate profile by ID.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	p, err := h.facade.GetRateProfile(ctx, tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// AddRateEntryRequest is the request body for adding a rate entry.
type AddRateEntryRequest struct {
	ID            string          `json:"id,omitempty"`
	Rate          decimal.Decimal `json:"rate"`
	EffectiveFrom civil.Date      `json:"effectiveFrom"`
	EffectiveTo   civil.Date      `json:"effectiveTo"`
}

// AddRateEntry appends a versioned rate interval to one profile series.
func (h *Handler) AddRateEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	profileID := chi.URLParam(r, "id")
	series := domain.SeriesName(chi.URLParam(r, "series"))

	var req AddRateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	entry := &domain.RateEntry{
		ID:            req.ID,
		Rate:          req.Rate,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
	}

	if err := h.facade.AddRateEntry(ctx, tenantID, profileID, series, entry); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// DeleteRateEntry removes one versioned rate interval.
func (h *Handler) DeleteRateEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	profileID := chi.URLParam(r, "id")
	series := domain.SeriesName(chi.URLParam(r, "series"))
	entryID := chi.URLParam(r, "entryId")

	if err := h.facade.DeleteRateEntry(ctx, tenantID, profileID, series, entryID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rate entry deleted",
		"id":      entryID,
	})
}

// ListRateEntries returns the full interval history for one profile series.
func (h *Handler) ListRateEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	profileID := chi.URLParam(r, "id")
	series := domain.SeriesName(chi.URLParam(r, "series"))

	list, err := h.facade.ListRateEntries(ctx, tenantID, profileID, series)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profileId": profileID,
		"series":    series,
		"entries":   list,
		"count":     len(list),
	})
}

// ============================================================================
// REVIEW AND OPERATIONAL HANDLERS
// ============================================================================

// ReviewStats summarizes the review queue. Optional query parameters:
// bankId narrows to one bank, window is a Go duration (default 24h).
func (h *Handler) ReviewStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	bankID := r.URL.Query().Get("bankId")
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "window must be a positive duration",
			})
			return
		}
		window = d
	}

	stats, err := h.review.Stats(ctx, tenantID, bankID, time.Now().UTC().Add(-window))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":    "true",
		"patterns": "loaded",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain sentinel errors onto HTTP statuses. Validation
// failures are 400, duplicate codes and overlapping intervals are 409,
// unknown records are 404. The trace ID rides along so callers can quote it
// when reporting a failure.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCodeTaken),
		errors.Is(err, domain.ErrClassificationInUse),
		errors.Is(err, domain.ErrOverlappingInterval):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidPattern),
		errors.Is(err, domain.ErrInvalidInterval),
		errors.Is(err, domain.ErrUnknownClassification),
		errors.Is(err, domain.ErrUnknownSeries):
		status = http.StatusBadRequest
	}
	body := map[string]string{"error": err.Error()}
	if traceID := GetTraceID(r.Context()); traceID != "" {
		body["traceId"] = traceID
	}
	writeJSON(w, status, body)
}
