package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category is the accounting direction a classification belongs to.
type Category string

const (
	CategoryDeposit    Category = "DEPOSIT"
	CategoryWithdrawal Category = "WITHDRAWAL"
	CategoryCredit     Category = "CREDIT"
	CategoryDebit      Category = "DEBIT"
)

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDeposit, CategoryWithdrawal, CategoryCredit, CategoryDebit:
		return true
	}
	return false
}

// Classification is a short-coded accounting category assigned to a
// statement transaction line (e.g. "COT"/DEBIT, "CD"/DEPOSIT).
type Classification struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Code        string    `json:"code"`
	Category    Category  `json:"category"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the classification shape before it enters the store.
func (c *Classification) Validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.Label) == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidInput)
	}
	if !c.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, c.Category)
	}
	return nil
}

// ScopeKind discriminates the two pattern scope variants.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeBank   ScopeKind = "bank"
)

// Scope is the visibility of a pattern: either global or tied to one bank.
// The invalid global+bankID combination is unrepresentable through the
// constructors; UnmarshalJSON enforces the same exclusivity on the wire shape.
type Scope struct {
	Kind   ScopeKind
	BankID string
}

// GlobalScope returns the scope shared by every bank.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// BankScope returns a scope restricted to a single bank.
func BankScope(bankID string) (Scope, error) {
	if strings.TrimSpace(bankID) == "" {
		return Scope{}, fmt.Errorf("%w: bank-specific scope requires a bankId", ErrInvalidPattern)
	}
	return Scope{Kind: ScopeBank, BankID: bankID}, nil
}

// NewScope builds a Scope from the wire representation.
func NewScope(isGlobal bool, bankID string) (Scope, error) {
	if isGlobal {
		if bankID != "" {
			return Scope{}, fmt.Errorf("%w: global pattern must not carry a bankId", ErrInvalidPattern)
		}
		return GlobalScope(), nil
	}
	return BankScope(bankID)
}

// IsGlobal reports whether the scope is the global one.
func (s Scope) IsGlobal() bool {
	return s.Kind == ScopeGlobal
}

// VisibleTo reports whether a pattern with this scope applies to bankID.
func (s Scope) VisibleTo(bankID string) bool {
	return s.Kind == ScopeGlobal || s.BankID == bankID
}

// Validate checks the scope invariant for values built without constructors
// (e.g. scanned from storage).
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		if s.BankID != "" {
			return fmt.Errorf("%w: global pattern must not carry a bankId", ErrInvalidPattern)
		}
	case ScopeBank:
		if s.BankID == "" {
			return fmt.Errorf("%w: bank-specific scope requires a bankId", ErrInvalidPattern)
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidPattern, s.Kind)
	}
	return nil
}

type scopeJSON struct {
	IsGlobal bool   `json:"isGlobal"`
	BankID   string `json:"bankId,omitempty"`
}

// MarshalJSON encodes the scope in the isGlobal/bankId wire shape.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{IsGlobal: s.IsGlobal(), BankID: s.BankID})
}

// UnmarshalJSON decodes the wire shape and enforces the exclusivity invariant.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	scope, err := NewScope(raw.IsGlobal, raw.BankID)
	if err != nil {
		return err
	}
	*s = scope
	return nil
}

// Pattern is a keyword or regex rule that maps statement transaction text
// to a Classification. A pattern references exactly one classification and
// is owned by the rule store.
type Pattern struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenantId"`
	Keyword          string    `json:"keyword"`
	IsRegex          bool      `json:"isRegex"`
	Scope            Scope     `json:"scope"`
	ClassificationID string    `json:"classificationId"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Validate checks the pattern shape. Regex compilability is checked
// separately at write time so classify never sees a broken pattern.
func (p *Pattern) Validate() error {
	if strings.TrimSpace(p.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidPattern)
	}
	if p.ClassificationID == "" {
		return fmt.Errorf("%w: classificationId is required", ErrInvalidPattern)
	}
	return p.Scope.Validate()
}

// PatternFilter narrows ListPatterns. Nil fields match everything.
type PatternFilter struct {
	BankID           *string
	ClassificationID *string
	Global           *bool
}

// Matches reports whether p satisfies every set filter field.
func (f PatternFilter) Matches(p *Pattern) bool {
	if f.Global != nil && p.Scope.IsGlobal() != *f.Global {
		return false
	}
	if f.BankID != nil && p.Scope.BankID != *f.BankID {
		return false
	}
	if f.ClassificationID != nil && p.ClassificationID != *f.ClassificationID {
		return false
	}
	return true
}

// Match tiers, most specific first. Bank-specific rules override global
// ones; literal rules outrank regex within the same scope because they are
// easier to audit.
type MatchTier string

const (
	TierBankLiteral   MatchTier = "bank-literal"
	TierBankRegex     MatchTier = "bank-regex"
	TierGlobalLiteral MatchTier = "global-literal"
	TierGlobalRegex   MatchTier = "global-regex"
)

// Match is a successful classification of a transaction line.
type Match struct {
	Classification *Classification `json:"classification"`
	Pattern        *Pattern        `json:"pattern"`
	Tier           MatchTier       `json:"tier"`
}
