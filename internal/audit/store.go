package audit

import (
	"context"
	"time"

	"vigil/pkg/domain"
)

// LogStore is the narrow interface over the append-only audit log. Appends
// are serialized by the implementation (single writer); reads never block
// the writer and only ever observe committed entries.
type LogStore interface {
	// Append assigns the next sequence id and chain hash, commits the entry,
	// and returns it. The append either fully commits or fails; there is no
	// partial append.
	Append(ctx context.Context, entry Entry) (Entry, error)

	// ReadFrom returns up to limit committed entries with Seq > cursor, in
	// ascending sequence order. Consumers poll this with their own cursor.
	ReadFrom(ctx context.Context, cursor Seq, limit int) ([]Entry, error)

	// Head returns the highest committed sequence id (0 for an empty log).
	Head(ctx context.Context) (Seq, error)

	// List returns entries matching the filter in descending sequence order,
	// plus the total match count for pagination.
	List(ctx context.Context, filter Filter) ([]Entry, int, error)
}

// Filter selects entries for the query API. Zero values mean "no constraint".
type Filter struct {
	From       time.Time
	To         time.Time
	ActorID    domain.AccountID
	ActionType ActionType
	Outcome    Outcome
	Severity   Severity
	Page       int // 1-based; 0 means first page
	PageSize   int // 0 means the default of 50
}

const defaultPageSize = 50

// Matches reports whether an entry satisfies the filter constraints.
func (f Filter) Matches(e Entry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if !f.ActorID.IsZero() && e.Actor.ID != f.ActorID {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return true
}

// Bounds returns the normalized offset and page size.
func (f Filter) Bounds() (offset, size int) {
	size = f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return (page - 1) * size, size
}
