package security

import (
	"context"

	"vigil/internal/audit"
	"vigil/pkg/domain"
)

// ProfileStore is the key-value store holding one profile per account.
// Implementations return sentinel.ErrNotFound for unknown accounts.
type ProfileStore interface {
	GetProfile(ctx context.Context, accountID domain.AccountID) (*Profile, error)
	PutProfile(ctx context.Context, profile *Profile) error
}

// EventStore owns derived security events. Update is a compare-and-swap on
// status: it fails with sentinel.ErrConflict when the stored status no longer
// matches expect, so two operators cannot race a transition into an
// inconsistent state.
type EventStore interface {
	// Open is the dedup point. Under the store's write lock it either
	// inserts the event or merges its evidence into the already-open
	// (non-terminal) event for the same (account, type), so concurrent
	// producers can never hold two open events for one key. The returned
	// bool reports whether a new event was inserted.
	Open(ctx context.Context, event *Event) (*Event, bool, error)

	Get(ctx context.Context, id domain.SecurityEventID) (*Event, error)
	List(ctx context.Context, filter EventFilter) ([]*Event, error)
	Update(ctx context.Context, event *Event, expect EventStatus) error
}

// EventFilter selects events for the query API.
type EventFilter struct {
	Status   EventStatus
	Severity audit.Severity
}

// FindingSink receives candidate findings from producers (risk scoring, KYC
// review). The correlator implements it and alone decides whether a finding
// opens a security event.
type FindingSink interface {
	SubmitFinding(ctx context.Context, finding Finding) error
}

// Finding is a candidate incident raised by another component. It is a
// notification, not a status change.
type Finding struct {
	AccountID   domain.AccountID
	Type        EventType
	Severity    audit.Severity
	Description string
	Origin      audit.Origin
	Evidence    []audit.Seq
}
