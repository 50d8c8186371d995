// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/shrike/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveClassification upserts a classification with tenant isolation.
func (r *SQLRepository) SaveClassification(ctx context.Context, tenantID string, c *domain.Classification) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO classifications (
			id, tenant_id, code, category, label, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			category = excluded.category,
			label = excluded.label,
			description = excluded.description,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.Code, string(c.Category), c.Label, c.Description,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetClassification retrieves a classification by ID with tenant isolation.
func (r *SQLRepository) GetClassification(ctx context.Context, tenantID string, id string) (*domain.Classification, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, category, label, description, created_at, updated_at
		FROM classifications
		WHERE tenant_id = ? AND id = ?
	`
	return r.scanClassification(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
}

// GetClassificationByCode retrieves a classification by its code.
func (r *SQLRepository) GetClassificationByCode(ctx context.Context, tenantID string, code string) (*domain.Classification, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, category, label, description, created_at, updated_at
		FROM classifications
		WHERE tenant_id = ? AND code = ?
	`
	return r.scanClassification(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, code))
}

func (r *SQLRepository) scanClassification(row *sql.Row) (*domain.Classification, error) {
	var c domain.Classification
	var category string
	var description sql.NullString

	err := row.Scan(&c.ID, &c.TenantID, &c.Code, &category, &c.Label, &description,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Category = domain.Category(category)
	c.Description = description.String
	return &c, nil
}

// ListClassifications retrieves all classifications for a tenant.
func (r *SQLRepository) ListClassifications(ctx context.Context, tenantID string) ([]*domain.Classification, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, category, label, description, created_at, updated_at
		FROM classifications
		WHERE tenant_id = ?
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classifications []*domain.Classification
	for rows.Next() {
		var c domain.Classification
		var category string
		var description sql.NullString

		if err := rows.Scan(&c.ID, &c.TenantID, &c.Code, &category, &c.Label, &description,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}

		c.Category = domain.Category(category)
		c.Description = description.String
		classifications = append(classifications, &c)
	}

	return classifications, rows.Err()
}

// DeleteClassification removes a classification. The referential check
// (no pattern still points at it) lives in the facade.
func (r *SQLRepository) DeleteClassification(ctx context.Context, tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM classifications WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPatternsForClassification counts patterns referencing a classification.
func (r *SQLRepository) CountPatternsForClassification(ctx context.Context, tenantID string, classificationID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM patterns WHERE tenant_id = ? AND classification_id = ?`
	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, classificationID).Scan(&count)
	return count, err
}

// SavePattern upserts a pattern with tenant isolation.
func (r *SQLRepository) SavePattern(ctx context.Context, tenantID string, p *domain.Pattern) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	isRegex := 0
	if p.IsRegex {
		isRegex = 1
	}
	isGlobal := 0
	if p.Scope.IsGlobal() {
		isGlobal = 1
	}

	query := `
		INSERT INTO patterns (
			id, tenant_id, keyword, is_regex, is_global, bank_id,
			classification_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			keyword = excluded.keyword,
			is_regex = excluded.is_regex,
			is_global = excluded.is_global,
			bank_id = excluded.bank_id,
			classification_id = excluded.classification_id,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.Keyword, isRegex, isGlobal, p.Scope.BankID,
		p.ClassificationID, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPattern retrieves a pattern by ID with tenant isolation.
func (r *SQLRepository) GetPattern(ctx context.Context, tenantID string, id string) (*domain.Pattern, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, keyword, is_regex, is_global, bank_id,
			   classification_id, created_at, updated_at
		FROM patterns
		WHERE tenant_id = ? AND id = ?
	`

	var p domain.Pattern
	var isRegex, isGlobal int
	var bankID string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&p.ID, &p.TenantID, &p.Keyword, &isRegex, &isGlobal, &bankID,
		&p.ClassificationID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.IsRegex = isRegex == 1
	scope, err := domain.NewScope(isGlobal == 1, bankID)
	if err != nil {
		return nil, fmt.Errorf("stored pattern %s has invalid scope: %w", p.ID, err)
	}
	p.Scope = scope
	return &p, nil
}

// ListPatterns retrieves patterns matching the filter. Rule sets are small
// (hundreds, not millions), so filtering happens in memory against the
// shared PatternFilter semantics instead of duplicating them in SQL.
func (r *SQLRepository) ListPatterns(ctx context.Context, tenantID string, filter domain.PatternFilter) ([]*domain.Pattern, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, keyword, is_regex, is_global, bank_id,
			   classification_id, created_at, updated_at
		FROM patterns
		WHERE tenant_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		var isRegex, isGlobal int
		var bankID string

		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Keyword, &isRegex, &isGlobal, &bankID,
			&p.ClassificationID, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}

		p.IsRegex = isRegex == 1
		scope, err := domain.NewScope(isGlobal == 1, bankID)
		if err != nil {
			return nil, fmt.Errorf("stored pattern %s has invalid scope: %w", p.ID, err)
		}
		p.Scope = scope

		if filter.Matches(&p) {
			patterns = append(patterns, &p)
		}
	}

	return patterns, rows.Err()
}

// DeletePattern removes a pattern with tenant isolation.
func (r *SQLRepository) DeletePattern(ctx context.Context, tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM patterns WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRateProfile upserts a rate profile with tenant isolation.
func (r *SQLRepository) SaveRateProfile(ctx context.Context, tenantID string, p *domain.RateProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	scalars, err := json.Marshal(p.Scalars)
	if err != nil {
		return fmt.Errorf("marshal scalars: %w", err)
	}

	query := `
		INSERT INTO rate_profiles (
			id, tenant_id, client_id, code, currency, rate_type,
			effective_from, effective_to, scalars, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			code = excluded.code,
			currency = excluded.currency,
			rate_type = excluded.rate_type,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			scalars = excluded.scalars,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.ClientID, p.Code, p.Currency, p.RateType,
		dateString(p.EffectiveFrom), dateString(p.EffectiveTo), string(scalars),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetRateProfile retrieves a rate profile by ID with tenant isolation.
func (r *SQLRepository) GetRateProfile(ctx context.Context, tenantID string, id string) (*domain.RateProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, client_id, code, currency, rate_type,
			   effective_from, effective_to, scalars, created_at, updated_at
		FROM rate_profiles
		WHERE tenant_id = ? AND id = ?
	`

	var p domain.RateProfile
	var rateType sql.NullString
	var from, to, scalars string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&p.ID, &p.TenantID, &p.ClientID, &p.Code, &p.Currency, &rateType,
		&from, &to, &scalars, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.RateType = rateType.String
	if p.EffectiveFrom, err = parseDate(from); err != nil {
		return nil, fmt.Errorf("stored profile %s: %w", p.ID, err)
	}
	if p.EffectiveTo, err = parseDate(to); err != nil {
		return nil, fmt.Errorf("stored profile %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(scalars), &p.Scalars); err != nil {
		return nil, fmt.Errorf("stored profile %s scalars: %w", p.ID, err)
	}
	return &p, nil
}

// ListRateProfiles retrieves all rate profiles for a tenant.
func (r *SQLRepository) ListRateProfiles(ctx context.Context, tenantID string) ([]*domain.RateProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, client_id, code, currency, rate_type,
			   effective_from, effective_to, scalars, created_at, updated_at
		FROM rate_profiles
		WHERE tenant_id = ?
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.RateProfile
	for rows.Next() {
		var p domain.RateProfile
		var rateType sql.NullString
		var from, to, scalars string

		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.ClientID, &p.Code, &p.Currency, &rateType,
			&from, &to, &scalars, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}

		p.RateType = rateType.String
		if p.EffectiveFrom, err = parseDate(from); err != nil {
			return nil, fmt.Errorf("stored profile %s: %w", p.ID, err)
		}
		if p.EffectiveTo, err = parseDate(to); err != nil {
			return nil, fmt.Errorf("stored profile %s: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(scalars), &p.Scalars); err != nil {
			return nil, fmt.Errorf("stored profile %s scalars: %w", p.ID, err)
		}
		profiles = append(profiles, &p)
	}

	return profiles, rows.Err()
}

// SaveRateEntry stores one time-versioned rate entry. Overlap validation
// lives in the facade against the live series.
func (r *SQLRepository) SaveRateEntry(ctx context.Context, tenantID string, profileID string, series domain.SeriesName, e *domain.RateEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rate_entries (
			id, tenant_id, profile_id, series, rate,
			effective_from, effective_to, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, tenantID, profileID, string(series), e.Rate.String(),
		e.EffectiveFrom.String(), e.EffectiveTo.String(), e.CreatedAt,
	)
	return err
}

// DeleteRateEntry removes a rate entry with tenant isolation.
func (r *SQLRepository) DeleteRateEntry(ctx context.Context, tenantID string, profileID string, series domain.SeriesName, entryID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		DELETE FROM rate_entries
		WHERE tenant_id = ? AND profile_id = ? AND series = ? AND id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, profileID, string(series), entryID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRateEntries retrieves a series ordered by effective_from. ISO dates
// stored as TEXT sort chronologically.
func (r *SQLRepository) ListRateEntries(ctx context.Context, tenantID string, profileID string, series domain.SeriesName) ([]*domain.RateEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, rate, effective_from, effective_to, created_at
		FROM rate_entries
		WHERE tenant_id = ? AND profile_id = ? AND series = ?
		ORDER BY effective_from
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, profileID, string(series))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.RateEntry
	for rows.Next() {
		var e domain.RateEntry
		var rate, from, to string

		if err := rows.Scan(&e.ID, &rate, &from, &to, &e.CreatedAt); err != nil {
			return nil, err
		}

		if e.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("stored rate entry %s: %w", e.ID, err)
		}
		if e.EffectiveFrom, err = civil.ParseDate(from); err != nil {
			return nil, fmt.Errorf("stored rate entry %s: %w", e.ID, err)
		}
		if e.EffectiveTo, err = civil.ParseDate(to); err != nil {
			return nil, fmt.Errorf("stored rate entry %s: %w", e.ID, err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// SaveResolution stores a classify-and-price result with tenant isolation.
func (r *SQLRepository) SaveResolution(ctx context.Context, tenantID string, res *domain.Resolution) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, err := json.Marshal(res.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var rate, rateFrom, rateTo sql.NullString
	if res.Rate != nil {
		rate = sql.NullString{String: res.Rate.String(), Valid: true}
	}
	if res.RateFrom != nil {
		rateFrom = sql.NullString{String: res.RateFrom.String(), Valid: true}
	}
	if res.RateTo != nil {
		rateTo = sql.NullString{String: res.RateTo.String(), Valid: true}
	}

	query := `
		INSERT INTO resolutions (
			id, tenant_id, bank_id, transaction_text, value_date,
			classification_status, classification_id, code, category, pattern_id,
			pricing_status, profile_id, series, rate, rate_from, rate_to,
			reason, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		res.ID, tenantID, res.BankID, res.TransactionText, dateString(res.ValueDate),
		res.ClassificationStatus, res.ClassificationID, res.Code, string(res.Category), res.PatternID,
		res.PricingStatus, res.ProfileID, string(res.Series), rate, rateFrom, rateTo,
		res.Reason, res.Timestamp, string(metadata),
	)
	return err
}

// GetResolution retrieves a resolution by ID with tenant isolation.
func (r *SQLRepository) GetResolution(ctx context.Context, tenantID string, id string) (*domain.Resolution, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, bank_id, transaction_text, value_date,
			   classification_status, classification_id, code, category, pattern_id,
			   pricing_status, profile_id, series, rate, rate_from, rate_to,
			   reason, timestamp, metadata
		FROM resolutions
		WHERE tenant_id = ? AND id = ?
	`

	var res domain.Resolution
	var valueDate, category, series, metadata string
	var classificationID, code, patternID, profileID, reason sql.NullString
	var rate, rateFrom, rateTo sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&res.ID, &res.TenantID, &res.BankID, &res.TransactionText, &valueDate,
		&res.ClassificationStatus, &classificationID, &code, &category, &patternID,
		&res.PricingStatus, &profileID, &series, &rate, &rateFrom, &rateTo,
		&reason, &res.Timestamp, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	res.ClassificationID = classificationID.String
	res.Code = code.String
	res.Category = domain.Category(category)
	res.PatternID = patternID.String
	res.ProfileID = profileID.String
	res.Series = domain.SeriesName(series)
	res.Reason = reason.String

	if res.ValueDate, err = parseDate(valueDate); err != nil {
		return nil, fmt.Errorf("stored resolution %s: %w", res.ID, err)
	}
	if rate.Valid {
		d, err := decimal.NewFromString(rate.String)
		if err != nil {
			return nil, fmt.Errorf("stored resolution %s rate: %w", res.ID, err)
		}
		res.Rate = &d
	}
	if rateFrom.Valid {
		d, err := civil.ParseDate(rateFrom.String)
		if err != nil {
			return nil, fmt.Errorf("stored resolution %s: %w", res.ID, err)
		}
		res.RateFrom = &d
	}
	if rateTo.Valid {
		d, err := civil.ParseDate(rateTo.String)
		if err != nil {
			return nil, fmt.Errorf("stored resolution %s: %w", res.ID, err)
		}
		res.RateTo = &d
	}
	if err := json.Unmarshal([]byte(metadata), &res.Metadata); err != nil {
		return nil, fmt.Errorf("stored resolution %s metadata: %w", res.ID, err)
	}

	return &res, nil
}

// CountResolutionsByStatus counts resolutions since a point in time whose
// classification or pricing half carries the given status. Empty bankID
// counts across all banks.
func (r *SQLRepository) CountResolutionsByStatus(ctx context.Context, tenantID string, bankID string, status string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM resolutions
		WHERE tenant_id = ?
		  AND (classification_status = ? OR pricing_status = ?)
		  AND timestamp >= ?
	`
	args := []any{tenantID, status, status, since}
	if bankID != "" {
		query += ` AND bank_id = ?`
		args = append(args, bankID)
	}

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count)
	return count, err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// dateString renders a civil date for storage; the zero date becomes "".
func dateString(d civil.Date) string {
	if !d.IsValid() {
		return ""
	}
	return d.String()
}

// parseDate is the inverse of dateString.
func parseDate(s string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, nil
	}
	return civil.ParseDate(s)
}
