// Package domain holds the core types of the classification and rate
// pipeline plus the ports its storage, cache and bus backends implement.
package domain

import (
	"context"
	"time"
)

// Repository persists classifications, patterns, rate schedules and
// resolutions. Every call names a tenant and implementations must keep
// tenants fully separate.
type Repository interface {
	// Classifications
	SaveClassification(ctx context.Context, tenantID string, c *Classification) error
	GetClassification(ctx context.Context, tenantID string, id string) (*Classification, error)
	GetClassificationByCode(ctx context.Context, tenantID string, code string) (*Classification, error)
	ListClassifications(ctx context.Context, tenantID string) ([]*Classification, error)
	DeleteClassification(ctx context.Context, tenantID string, id string) error
	CountPatternsForClassification(ctx context.Context, tenantID string, classificationID string) (int64, error)

	// Patterns
	SavePattern(ctx context.Context, tenantID string, p *Pattern) error
	GetPattern(ctx context.Context, tenantID string, id string) (*Pattern, error)
	ListPatterns(ctx context.Context, tenantID string, filter PatternFilter) ([]*Pattern, error)
	DeletePattern(ctx context.Context, tenantID string, id string) error

	// Rate profiles and their per-series schedules
	SaveRateProfile(ctx context.Context, tenantID string, p *RateProfile) error
	GetRateProfile(ctx context.Context, tenantID string, id string) (*RateProfile, error)
	ListRateProfiles(ctx context.Context, tenantID string) ([]*RateProfile, error)
	SaveRateEntry(ctx context.Context, tenantID string, profileID string, series SeriesName, e *RateEntry) error
	DeleteRateEntry(ctx context.Context, tenantID string, profileID string, series SeriesName, entryID string) error
	ListRateEntries(ctx context.Context, tenantID string, profileID string, series SeriesName) ([]*RateEntry, error)

	// Resolution results
	SaveResolution(ctx context.Context, tenantID string, r *Resolution) error
	GetResolution(ctx context.Context, tenantID string, id string) (*Resolution, error)
	CountResolutionsByStatus(ctx context.Context, tenantID string, bankID string, status string, since time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects and tunes the storage backend.
type RepositoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
