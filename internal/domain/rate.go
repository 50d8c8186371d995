package domain

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// SeriesName identifies one of the six time-versioned rate component
// series a profile carries.
type SeriesName string

const (
	SeriesDebit           SeriesName = "debit"
	SeriesLoanInterest    SeriesName = "loanInterest"
	SeriesLCCommission    SeriesName = "lcCommission"
	SeriesPreNegotiation  SeriesName = "preNegotiation"
	SeriesPostNegotiation SeriesName = "postNegotiation"
	SeriesCreditInterest  SeriesName = "creditInterest"
)

// AllSeries lists every component series in a fixed order.
func AllSeries() []SeriesName {
	return []SeriesName{
		SeriesDebit,
		SeriesLoanInterest,
		SeriesLCCommission,
		SeriesPreNegotiation,
		SeriesPostNegotiation,
		SeriesCreditInterest,
	}
}

// Valid reports whether s names a known series.
func (s SeriesName) Valid() bool {
	switch s {
	case SeriesDebit, SeriesLoanInterest, SeriesLCCommission,
		SeriesPreNegotiation, SeriesPostNegotiation, SeriesCreditInterest:
		return true
	}
	return false
}

// RateEntry is one time-versioned rate value. Both interval bounds are
// inclusive calendar dates: a rate effective through March 31 covers a
// transaction dated March 31 itself.
type RateEntry struct {
	ID            string          `json:"id"`
	Rate          decimal.Decimal `json:"rate"`
	EffectiveFrom civil.Date      `json:"effectiveFrom"`
	EffectiveTo   civil.Date      `json:"effectiveTo"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Validate rejects inverted intervals.
func (e *RateEntry) Validate() error {
	if !e.EffectiveFrom.IsValid() || !e.EffectiveTo.IsValid() {
		return fmt.Errorf("%w: effectiveFrom and effectiveTo are required", ErrInvalidInterval)
	}
	if e.EffectiveTo.Before(e.EffectiveFrom) {
		return fmt.Errorf("%w: effectiveFrom %s is after effectiveTo %s",
			ErrInvalidInterval, e.EffectiveFrom, e.EffectiveTo)
	}
	return nil
}

// Contains reports whether d falls inside the entry's closed interval.
func (e *RateEntry) Contains(d civil.Date) bool {
	return !d.Before(e.EffectiveFrom) && !d.After(e.EffectiveTo)
}

// Overlaps reports whether two closed intervals share at least one day.
func (e *RateEntry) Overlaps(o *RateEntry) bool {
	return !e.EffectiveFrom.After(o.EffectiveTo) && !o.EffectiveFrom.After(e.EffectiveTo)
}

// ScalarRates are the non-versioned rate figures negotiated for a client.
type ScalarRates struct {
	CAMFRate          decimal.Decimal `json:"camfRate"`
	ReturnChargeRate  decimal.Decimal `json:"returnChargeRate"`
	ReturnChargeLimit decimal.Decimal `json:"returnChargeLimit"`
	COTCovenantRate   decimal.Decimal `json:"cotCovenantRate"`
	COTOffCoverRate   decimal.Decimal `json:"cotOffCoverRate"`
	COTOICRate        decimal.Decimal `json:"cotOicRate"`
	TurnoverLimit     decimal.Decimal `json:"turnoverLimit"`
	DebitRate         decimal.Decimal `json:"debitRate"`
	ExcessRate        decimal.Decimal `json:"excessRate"`
	ExcessRateType    string          `json:"excessRateType,omitempty"`
	VATRate           decimal.Decimal `json:"vatRate"`
	WHTRate           decimal.Decimal `json:"whtRate"`
}

// RateProfile is the full set of scalar and time-versioned rate figures
// negotiated for one client. The six component series are stored and
// served by the rate schedule store keyed by (profileID, series).
type RateProfile struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenantId"`
	ClientID      string      `json:"clientId"`
	Code          string      `json:"code"`
	Currency      string      `json:"currency"`
	RateType      string      `json:"rateType,omitempty"`
	EffectiveFrom civil.Date  `json:"effectiveFrom"`
	EffectiveTo   civil.Date  `json:"effectiveTo"`
	Scalars       ScalarRates `json:"scalars"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Validate checks the profile shape before it enters the store.
func (p *RateProfile) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return fmt.Errorf("%w: clientId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidInput)
	}
	if p.EffectiveFrom.IsValid() && p.EffectiveTo.IsValid() && p.EffectiveTo.Before(p.EffectiveFrom) {
		return fmt.Errorf("%w: profile validity window is inverted", ErrInvalidInterval)
	}
	return nil
}

// DefaultRate returns the profile-level scalar fallback for a series, if
// one exists. Only the debit series has a scalar counterpart; every other
// series is priced exclusively from its versioned entries.
func (p *RateProfile) DefaultRate(series SeriesName) (decimal.Decimal, bool) {
	if series == SeriesDebit && !p.Scalars.DebitRate.IsZero() {
		return p.Scalars.DebitRate, true
	}
	return decimal.Decimal{}, false
}

// Classification and pricing statuses carried on a Resolution. Unclassified
// and unpriced are expected business outcomes, not errors: downstream
// reporting flags them for manual review instead of failing the batch.
const (
	StatusClassified   = "CLASSIFIED"
	StatusUnclassified = "UNCLASSIFIED"

	StatusPriced   = "PRICED"
	StatusUnpriced = "UNPRICED"
)

// Resolution is the persisted output of classify-and-price for one
// transaction line. Both halves are always present as tagged statuses;
// a successful classification with no covering rate entry yields
// CLASSIFIED + UNPRICED, never a silently dropped half.
type Resolution struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	BankID          string     `json:"bankId"`
	TransactionText string     `json:"transactionText"`
	ValueDate       civil.Date `json:"valueDate"`

	ClassificationStatus string   `json:"classificationStatus"`
	ClassificationID     string   `json:"classificationId,omitempty"`
	Code                 string   `json:"code,omitempty"`
	Category             Category `json:"category,omitempty"`
	PatternID            string   `json:"patternId,omitempty"`

	PricingStatus string           `json:"pricingStatus"`
	ProfileID     string           `json:"profileId,omitempty"`
	Series        SeriesName       `json:"series,omitempty"`
	Rate          *decimal.Decimal `json:"rate,omitempty"`
	RateFrom      *civil.Date      `json:"rateEffectiveFrom,omitempty"`
	RateTo        *civil.Date      `json:"rateEffectiveTo,omitempty"`

	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Metadata  ResolutionMetadata `json:"metadata"`
}

// ResolutionMetadata carries processing information.
type ResolutionMetadata struct {
	TraceID         string `json:"traceId"`
	MatchMs         int64  `json:"matchMs"`
	ResolveMs       int64  `json:"resolveMs"`
	TotalMs         int64  `json:"totalMs"`
	PatternsVisible int    `json:"patternsVisible"`
	EngineVersion   string `json:"engineVersion"`
}

// NeedsReview reports whether either half of the resolution requires
// manual attention.
func (r *Resolution) NeedsReview() bool {
	return r.ClassificationStatus == StatusUnclassified || r.PricingStatus == StatusUnpriced
}
