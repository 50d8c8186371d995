// Package match provides the bank-aware pattern matching engine.
package match

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Engine classifies transaction text against per-tenant rule sets of
// keyword and regex patterns. Tenants are fully separate: a tenant's
// Load or mutation never touches another tenant's rules, and Classify
// only consults the named tenant's set. Readers never lock: Classify
// loads an immutable snapshot through an atomic pointer, so it is safe
// to call concurrently from any number of goroutines. Writers serialize
// on a mutex and publish a fresh snapshot (copy-on-write).
type Engine struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// compiledPattern holds a pattern with its match program prepared at load
// time. Literal keywords are pre-lowered; regex patterns are pre-compiled
// so Classify never has to handle a broken pattern.
type compiledPattern struct {
	pattern      *domain.Pattern
	keywordLower string         // literal patterns only
	re           *regexp.Regexp // regex patterns only
}

// snapshot is an immutable view of every tenant's rule set.
type snapshot struct {
	tenants map[string]*ruleSet
}

// ruleSet is one tenant's immutable rules.
type ruleSet struct {
	classifications map[string]*domain.Classification
	global          []*compiledPattern
	byBank          map[string][]*compiledPattern
	patternCount    int
}

func emptyRuleSet() *ruleSet {
	return &ruleSet{
		classifications: make(map[string]*domain.Classification),
		byBank:          make(map[string][]*compiledPattern),
	}
}

// NewEngine creates an engine with no tenants loaded.
func NewEngine() *Engine {
	e := &Engine{}
	e.snap.Store(&snapshot{tenants: make(map[string]*ruleSet)})
	return e
}

// Compile validates a pattern and prepares its match program. Invalid
// regex is rejected here, at write time, with ErrInvalidPattern.
func Compile(p *domain.Pattern) (*compiledPattern, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cp := &compiledPattern{pattern: p}
	if p.IsRegex {
		re, err := regexp.Compile(p.Keyword)
		if err != nil {
			return nil, fmt.Errorf("%w: regex %q does not compile: %v", domain.ErrInvalidPattern, p.Keyword, err)
		}
		cp.re = re
	} else {
		cp.keywordLower = strings.ToLower(p.Keyword)
	}
	return cp, nil
}

// ValidatePattern checks a pattern without mutating the engine.
func ValidatePattern(p *domain.Pattern) error {
	_, err := Compile(p)
	return err
}

// tenant returns the tenant's live rule set, or nil when none is loaded.
func (s *snapshot) tenant(tenantID string) *ruleSet {
	return s.tenants[tenantID]
}

// publishTenant stores rs as tenantID's rule set in a fresh snapshot.
// Other tenants' sets are carried over untouched. Caller holds e.mu.
func (e *Engine) publishTenant(tenantID string, rs *ruleSet) {
	cur := e.snap.Load()
	next := &snapshot{tenants: make(map[string]*ruleSet, len(cur.tenants)+1)}
	for id, other := range cur.tenants {
		next.tenants[id] = other
	}
	next.tenants[tenantID] = rs
	e.snap.Store(next)
}

// Load replaces one tenant's entire rule set. Used at startup and for hot
// reloads from the repository. Patterns referencing an unknown
// classification are rejected; patterns failing to compile abort the load
// so a bad rule never becomes live, and the tenant's previous set stays
// in force.
func (e *Engine) Load(tenantID string, classifications []*domain.Classification, patterns []*domain.Pattern) error {
	next := emptyRuleSet()
	for _, c := range classifications {
		next.classifications[c.ID] = c
	}

	for _, p := range patterns {
		cp, err := Compile(p)
		if err != nil {
			return err
		}
		if _, ok := next.classifications[p.ClassificationID]; !ok {
			return fmt.Errorf("%w: pattern %s references classification %s",
				domain.ErrUnknownClassification, p.ID, p.ClassificationID)
		}
		next.insert(cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishTenant(tenantID, next)
	return nil
}

// AddPattern compiles p and publishes the tenant's rule set containing it.
func (e *Engine) AddPattern(tenantID string, p *domain.Pattern) error {
	cp, err := Compile(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load().tenant(tenantID)
	if cur == nil {
		cur = emptyRuleSet()
	}
	if _, ok := cur.classifications[p.ClassificationID]; !ok {
		return fmt.Errorf("%w: pattern %s references classification %s",
			domain.ErrUnknownClassification, p.ID, p.ClassificationID)
	}

	next := cur.cloneWithoutPattern(p.ID)
	next.insert(cp)
	e.publishTenant(tenantID, next)
	return nil
}

// RemovePattern publishes the tenant's rule set without the given pattern.
func (e *Engine) RemovePattern(tenantID, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load().tenant(tenantID)
	if cur == nil {
		return
	}
	e.publishTenant(tenantID, cur.cloneWithoutPattern(id))
}

// UpsertClassification makes c available to the tenant's patterns and
// matches.
func (e *Engine) UpsertClassification(tenantID string, c *domain.Classification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load().tenant(tenantID)
	if cur == nil {
		cur = emptyRuleSet()
	}
	next := cur.cloneWithoutPattern("")
	next.classifications[c.ID] = c
	e.publishTenant(tenantID, next)
}

// RemoveClassification drops c from the tenant's live set. The caller is
// expected to have verified the referential invariant (no pattern
// references it).
func (e *Engine) RemoveClassification(tenantID, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load().tenant(tenantID)
	if cur == nil {
		return
	}
	next := cur.cloneWithoutPattern("")
	delete(next.classifications, id)
	e.publishTenant(tenantID, next)
}

// PatternCount returns the number of patterns loaded for a tenant.
func (e *Engine) PatternCount(tenantID string) int {
	rs := e.snap.Load().tenant(tenantID)
	if rs == nil {
		return 0
	}
	return rs.patternCount
}

// PatternsVisible returns how many of the tenant's patterns apply to a
// bank (bank-specific plus global).
func (e *Engine) PatternsVisible(tenantID, bankID string) int {
	rs := e.snap.Load().tenant(tenantID)
	if rs == nil {
		return 0
	}
	return len(rs.byBank[bankID]) + len(rs.global)
}

// Classify returns the best-matching classification for a transaction
// line, consulting only the named tenant's rule set, or ok=false when no
// pattern matches (Unclassified — a normal outcome the caller must
// handle, not an error). A tenant with no rules loaded classifies
// nothing.
//
// Precedence, most specific wins, first tier with a match decides:
//
//	1. bank-specific literal (case-insensitive substring)
//	2. bank-specific regex (matched as supplied)
//	3. global literal
//	4. global regex
//
// Within a tier the longest keyword wins; remaining ties go to the
// earliest-created pattern, then the smallest ID. The result is fully
// deterministic for a given snapshot and input.
func (e *Engine) Classify(tenantID, text, bankID string) (domain.Match, bool) {
	rs := e.snap.Load().tenant(tenantID)
	if rs == nil {
		return domain.Match{}, false
	}
	lowered := strings.ToLower(text)

	bank := rs.byBank[bankID]
	tiers := []struct {
		candidates []*compiledPattern
		regex      bool
		tier       domain.MatchTier
	}{
		{bank, false, domain.TierBankLiteral},
		{bank, true, domain.TierBankRegex},
		{rs.global, false, domain.TierGlobalLiteral},
		{rs.global, true, domain.TierGlobalRegex},
	}

	for _, t := range tiers {
		if best := rs.bestInTier(t.candidates, text, lowered, t.regex); best != nil {
			return domain.Match{
				Classification: rs.classifications[best.pattern.ClassificationID],
				Pattern:        best.pattern,
				Tier:           t.tier,
			}, true
		}
	}

	return domain.Match{}, false
}

// bestInTier scans one precedence tier and returns the winning pattern,
// or nil when nothing in the tier matches. A corrupted entry (regex
// pattern with no compiled program, or a dangling classification) is
// skipped and logged; it never aborts the classification.
func (rs *ruleSet) bestInTier(candidates []*compiledPattern, text, lowered string, regex bool) *compiledPattern {
	var best *compiledPattern
	for _, cp := range candidates {
		if cp.pattern.IsRegex != regex {
			continue
		}

		if regex {
			if cp.re == nil {
				slog.Warn("skipping corrupted pattern: regex not compiled",
					"pattern_id", cp.pattern.ID,
				)
				continue
			}
			if !cp.re.MatchString(text) {
				continue
			}
		} else if !strings.Contains(lowered, cp.keywordLower) {
			continue
		}

		if _, ok := rs.classifications[cp.pattern.ClassificationID]; !ok {
			slog.Warn("skipping pattern with dangling classification reference",
				"pattern_id", cp.pattern.ID,
				"classification_id", cp.pattern.ClassificationID,
			)
			continue
		}

		if best == nil || morePrecise(cp, best) {
			best = cp
		}
	}
	return best
}

// morePrecise reports whether a beats b: longer keyword first, then
// earlier createdAt, then smaller ID. The explicit total order is what
// keeps classification deterministic when several rules match.
func morePrecise(a, b *compiledPattern) bool {
	al, bl := len(a.pattern.Keyword), len(b.pattern.Keyword)
	if al != bl {
		return al > bl
	}
	if !a.pattern.CreatedAt.Equal(b.pattern.CreatedAt) {
		return a.pattern.CreatedAt.Before(b.pattern.CreatedAt)
	}
	return a.pattern.ID < b.pattern.ID
}

// insert adds cp to the rule set (writer-side only, set not yet
// published).
func (rs *ruleSet) insert(cp *compiledPattern) {
	if cp.pattern.Scope.IsGlobal() {
		rs.global = append(rs.global, cp)
	} else {
		bankID := cp.pattern.Scope.BankID
		rs.byBank[bankID] = append(rs.byBank[bankID], cp)
	}
	rs.patternCount++
}

// cloneWithoutPattern copies the rule set, omitting the pattern with the
// given ID ("" omits nothing). Slices and maps are duplicated so the old
// set stays immutable for in-flight readers.
func (rs *ruleSet) cloneWithoutPattern(id string) *ruleSet {
	next := &ruleSet{
		classifications: make(map[string]*domain.Classification, len(rs.classifications)),
		byBank:          make(map[string][]*compiledPattern, len(rs.byBank)),
	}
	for k, v := range rs.classifications {
		next.classifications[k] = v
	}
	for _, cp := range rs.global {
		if cp.pattern.ID != id {
			next.global = append(next.global, cp)
			next.patternCount++
		}
	}
	for bank, cps := range rs.byBank {
		for _, cp := range cps {
			if cp.pattern.ID != id {
				next.byBank[bank] = append(next.byBank[bank], cp)
				next.patternCount++
			}
		}
	}
	return next
}
