// Package domain holds the typed identifiers shared across the engine.
//
// Identifiers that originate outside the engine (account ids issued by the
// external auth collaborator) are opaque strings; the engine never parses or
// validates their internal structure. Identifiers minted by the engine
// (security events, KYC submissions) are UUID strings created with
// github.com/google/uuid at the point of creation.
package domain

// AccountID identifies an account (admin operator or end user) as supplied by
// the external authentication collaborator. Treated as an opaque,
// already-verified principal.
type AccountID string

// IsZero reports whether the account id is unset.
func (a AccountID) IsZero() bool { return a == "" }

// String returns the raw identifier.
func (a AccountID) String() string { return string(a) }

// SecurityEventID identifies a derived security incident.
type SecurityEventID string

// IsZero reports whether the event id is unset.
func (e SecurityEventID) IsZero() bool { return e == "" }

// String returns the raw identifier.
func (e SecurityEventID) String() string { return string(e) }

// SubmissionID identifies a KYC submission.
type SubmissionID string

// IsZero reports whether the submission id is unset.
func (s SubmissionID) IsZero() bool { return s == "" }

// String returns the raw identifier.
func (s SubmissionID) String() string { return string(s) }

// DocumentID identifies a single document within a KYC submission.
type DocumentID string

// String returns the raw identifier.
func (d DocumentID) String() string { return string(d) }
