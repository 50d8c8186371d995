// Package rate provides the time-versioned rate schedule store and resolver.
package rate

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/civil"
	"github.com/opensource-finance/shrike/internal/domain"
)

// Store holds, per (profile, series), an ordered list of non-overlapping
// rate entries. Resolve is a lock-free read over an immutable snapshot;
// writers serialize on a mutex and publish a fresh snapshot, so bulk
// statement runs can resolve from any number of goroutines while
// administrative rate edits proceed.
//
// Profiles are owned by the tenant recorded on them. Every read and write
// names a tenant and a profile held by a different tenant behaves exactly
// like an absent one, so a leaked or guessed profile ID resolves nothing.
type Store struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

type seriesKey struct {
	profileID string
	series    domain.SeriesName
}

type snapshot struct {
	profiles map[string]*domain.RateProfile
	// series entries sorted by EffectiveFrom ascending; intervals never
	// overlap (enforced on write), so at most one entry covers any date.
	series map[seriesKey][]*domain.RateEntry
}

func emptySnapshot() *snapshot {
	return &snapshot{
		profiles: make(map[string]*domain.RateProfile),
		series:   make(map[seriesKey][]*domain.RateEntry),
	}
}

// profileOwned returns the profile only when it exists and belongs to the
// tenant.
func (s *snapshot) profileOwned(tenantID, profileID string) (*domain.RateProfile, bool) {
	p, ok := s.profiles[profileID]
	if !ok || p.TenantID != tenantID {
		return nil, false
	}
	return p, true
}

// NewStore creates an empty rate schedule store.
func NewStore() *Store {
	s := &Store{}
	s.snap.Store(emptySnapshot())
	return s
}

// mustValidSeries panics on a series name outside the six component
// series. Callers validate wire input before reaching the store, so an
// unknown name here is a programmer error, not a business-data issue.
func mustValidSeries(series domain.SeriesName) {
	if !series.Valid() {
		panic(fmt.Sprintf("rate: unknown series name %q", series))
	}
}

// UpsertProfile publishes a snapshot containing p.
func (s *Store) UpsertProfile(p *domain.RateProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Load().clone()
	next.profiles[p.ID] = p
	s.snap.Store(next)
}

// RemoveProfile drops the tenant's profile and all of its series.
func (s *Store) RemoveProfile(tenantID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snap.Load().profileOwned(tenantID, id); !ok {
		return
	}
	next := s.snap.Load().clone()
	delete(next.profiles, id)
	for key := range next.series {
		if key.profileID == id {
			delete(next.series, key)
		}
	}
	s.snap.Store(next)
}

// Profile returns the tenant's profile with the given ID. A profile held
// by another tenant reads as absent.
func (s *Store) Profile(tenantID, id string) (*domain.RateProfile, bool) {
	return s.snap.Load().profileOwned(tenantID, id)
}

// ProfileCount returns the number of loaded profiles.
func (s *Store) ProfileCount() int {
	return len(s.snap.Load().profiles)
}

// ReplaceSeries swaps in a full entry list for the tenant's (profileID,
// series), used for warm loads from the repository. Entries are sorted
// here; overlaps anywhere in the list are rejected so a corrupt series
// never becomes live.
func (s *Store) ReplaceSeries(tenantID, profileID string, series domain.SeriesName, entries []*domain.RateEntry) error {
	mustValidSeries(series)

	sorted := make([]*domain.RateEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom)
	})

	for i, e := range sorted {
		if err := e.Validate(); err != nil {
			return err
		}
		if i > 0 && sorted[i-1].Overlaps(e) {
			return fmt.Errorf("%w: [%s, %s] overlaps [%s, %s]",
				domain.ErrOverlappingInterval,
				e.EffectiveFrom, e.EffectiveTo,
				sorted[i-1].EffectiveFrom, sorted[i-1].EffectiveTo)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, ok := cur.profileOwned(tenantID, profileID); !ok {
		return fmt.Errorf("%w: rate profile %s", domain.ErrNotFound, profileID)
	}

	next := cur.clone()
	next.series[seriesKey{profileID, series}] = sorted
	s.snap.Store(next)
	return nil
}

// AddEntry inserts one entry, keeping the series sorted. The insertion is
// order-independent: an interval overlapping any existing entry is
// rejected with ErrOverlappingInterval regardless of which was added first.
func (s *Store) AddEntry(tenantID, profileID string, series domain.SeriesName, e *domain.RateEntry) error {
	mustValidSeries(series)

	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, ok := cur.profileOwned(tenantID, profileID); !ok {
		return fmt.Errorf("%w: rate profile %s", domain.ErrNotFound, profileID)
	}

	key := seriesKey{profileID, series}
	existing := cur.series[key]

	pos := sort.Search(len(existing), func(i int) bool {
		return !existing[i].EffectiveFrom.Before(e.EffectiveFrom)
	})

	// The series is sorted and non-overlapping, so only the two
	// neighbours of the insertion point can collide.
	for _, n := range neighbours(existing, pos) {
		if n.Overlaps(e) {
			return fmt.Errorf("%w: [%s, %s] overlaps existing [%s, %s]",
				domain.ErrOverlappingInterval,
				e.EffectiveFrom, e.EffectiveTo,
				n.EffectiveFrom, n.EffectiveTo)
		}
	}

	updated := make([]*domain.RateEntry, 0, len(existing)+1)
	updated = append(updated, existing[:pos]...)
	updated = append(updated, e)
	updated = append(updated, existing[pos:]...)

	next := cur.clone()
	next.series[key] = updated
	s.snap.Store(next)
	return nil
}

func neighbours(entries []*domain.RateEntry, pos int) []*domain.RateEntry {
	var out []*domain.RateEntry
	if pos > 0 {
		out = append(out, entries[pos-1])
	}
	if pos < len(entries) {
		out = append(out, entries[pos])
	}
	return out
}

// RemoveEntry deletes an entry by ID from the tenant's series.
func (s *Store) RemoveEntry(tenantID, profileID string, series domain.SeriesName, entryID string) error {
	mustValidSeries(series)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, ok := cur.profileOwned(tenantID, profileID); !ok {
		return fmt.Errorf("%w: rate profile %s", domain.ErrNotFound, profileID)
	}
	key := seriesKey{profileID, series}
	existing := cur.series[key]

	idx := -1
	for i, en := range existing {
		if en.ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: rate entry %s", domain.ErrNotFound, entryID)
	}

	updated := make([]*domain.RateEntry, 0, len(existing)-1)
	updated = append(updated, existing[:idx]...)
	updated = append(updated, existing[idx+1:]...)

	next := cur.clone()
	next.series[key] = updated
	s.snap.Store(next)
	return nil
}

// Series returns the ordered entry list for the tenant's (profileID,
// series), or nil when the profile belongs to someone else. The returned
// slice belongs to an immutable snapshot and must not be mutated.
func (s *Store) Series(tenantID, profileID string, series domain.SeriesName) []*domain.RateEntry {
	mustValidSeries(series)

	snap := s.snap.Load()
	if _, ok := snap.profileOwned(tenantID, profileID); !ok {
		return nil
	}
	return snap.series[seriesKey{profileID, series}]
}

// Resolve returns the single entry whose closed interval contains onDate,
// or ok=false when no entry covers it (a date before the first entry, a
// gap, or a profile the tenant does not own) — an expected outcome the
// caller decides policy for, not an error.
//
// Binary search over EffectiveFrom: the last entry starting on or before
// onDate is the only possible cover, because intervals never overlap.
func (s *Store) Resolve(tenantID, profileID string, series domain.SeriesName, onDate civil.Date) (*domain.RateEntry, bool) {
	mustValidSeries(series)

	snap := s.snap.Load()
	if _, ok := snap.profileOwned(tenantID, profileID); !ok {
		return nil, false
	}
	entries := snap.series[seriesKey{profileID, series}]
	if len(entries) == 0 {
		return nil, false
	}

	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].EffectiveFrom.After(onDate)
	})
	if pos == 0 {
		return nil, false
	}

	candidate := entries[pos-1]
	if !candidate.Contains(onDate) {
		return nil, false
	}
	return candidate, true
}

// clone duplicates the snapshot maps. Entry slices are shared: they are
// never mutated in place, only replaced.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		profiles: make(map[string]*domain.RateProfile, len(s.profiles)),
		series:   make(map[seriesKey][]*domain.RateEntry, len(s.series)),
	}
	for k, v := range s.profiles {
		next.profiles[k] = v
	}
	for k, v := range s.series {
		next.series[k] = v
	}
	return next
}
