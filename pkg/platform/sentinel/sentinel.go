package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
// These represent factual states about stored resources, not validation
// failures:
// - ErrNotFound: entity does not exist in the store
// - ErrConflict: compare-and-swap lost a race (state changed underneath)
// - ErrInvalidState: entity in wrong state for the requested operation
// - ErrUnavailable: backing store or oracle temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors
// directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
