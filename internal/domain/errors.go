package domain

import "errors"

// Validation and integrity errors surfaced by the facade. All are rejected
// synchronously at write time with the specific violated invariant; none of
// them is ever persisted. Unclassified and unpriced outcomes are NOT errors
// (see Resolution statuses).
var (
	// ErrInvalidInput covers malformed required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPattern covers a bad pattern shape or a regex keyword that
	// does not compile. Regex validity is checked at write time so classify
	// never has to handle a broken pattern.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrUnknownClassification is returned when a pattern references a
	// classification that does not exist.
	ErrUnknownClassification = errors.New("unknown classification")

	// ErrClassificationInUse blocks deleting a classification that is still
	// referenced by at least one pattern.
	ErrClassificationInUse = errors.New("classification still referenced by patterns")

	// ErrCodeTaken enforces code uniqueness within a tenant's active set.
	ErrCodeTaken = errors.New("code already in use")

	// ErrInvalidInterval is returned when effectiveFrom is after effectiveTo.
	ErrInvalidInterval = errors.New("invalid effective interval")

	// ErrOverlappingInterval is returned when a new rate entry's closed
	// interval shares at least one day with an existing entry in the series.
	ErrOverlappingInterval = errors.New("overlapping effective interval")

	// ErrUnknownSeries is returned for a series name outside the six
	// component series.
	ErrUnknownSeries = errors.New("unknown rate series")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
