// Package review provides manual-review queue statistics.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Service reports how many statement lines need manual attention. Live
// counts come from cache counters bumped by the facade; the repository
// backs the authoritative per-window totals.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new review statistics service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Stats summarizes the review queue for one tenant over a time window.
type Stats struct {
	TenantID     string    `json:"tenantId"`
	BankID       string    `json:"bankId,omitempty"`
	Since        time.Time `json:"since"`
	Unclassified int64     `json:"unclassified"`
	Unpriced     int64     `json:"unpriced"`
}

// Stats counts unclassified and unpriced resolutions since a point in
// time. Empty bankID aggregates across all banks.
func (s *Service) Stats(ctx context.Context, tenantID, bankID string, since time.Time) (*Stats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	unclassified, err := s.repo.CountResolutionsByStatus(ctx, tenantID, bankID, domain.StatusUnclassified, since)
	if err != nil {
		return nil, fmt.Errorf("count unclassified: %w", err)
	}
	unpriced, err := s.repo.CountResolutionsByStatus(ctx, tenantID, bankID, domain.StatusUnpriced, since)
	if err != nil {
		return nil, fmt.Errorf("count unpriced: %w", err)
	}

	return &Stats{
		TenantID:     tenantID,
		BankID:       bankID,
		Since:        since,
		Unclassified: unclassified,
		Unpriced:     unpriced,
	}, nil
}

// TrackUnclassified bumps the rolling per-bank counter for an
// unclassified line and returns the count inside the window.
func (s *Service) TrackUnclassified(ctx context.Context, tenantID, bankID string, window time.Duration) (int64, error) {
	return s.cache.IncrementCounter(ctx, tenantID, "review:unclassified:"+bankID, window)
}

// TrackUnpriced bumps the rolling per-bank counter for an unpriced line.
func (s *Service) TrackUnpriced(ctx context.Context, tenantID, bankID string, window time.Duration) (int64, error) {
	return s.cache.IncrementCounter(ctx, tenantID, "review:unpriced:"+bankID, window)
}
