package kyc

import (
	"context"

	"vigil/pkg/domain"
)

// SubmissionStore owns KYC submissions. At most one submission per account is
// active (non-superseded); older ones are kept for history.
// Implementations return sentinel.ErrNotFound for unknown ids and
// sentinel.ErrConflict on CAS mismatch.
type SubmissionStore interface {
	Create(ctx context.Context, submission *Submission) error
	Get(ctx context.Context, id domain.SubmissionID) (*Submission, error)
	List(ctx context.Context, filter Filter) ([]*Submission, error)

	// ActiveForAccount returns the account's non-superseded submission, or
	// sentinel.ErrNotFound.
	ActiveForAccount(ctx context.Context, accountID domain.AccountID) (*Submission, error)

	// Update is a compare-and-swap on status.
	Update(ctx context.Context, submission *Submission, expect Status) error
}

// Filter selects submissions for the query API.
type Filter struct {
	Status    Status
	RiskLevel RiskLevel
}

// RiskAssessor supplies the account risk level used to gate decisions. The
// scoring engine backs it in production.
type RiskAssessor interface {
	RiskFor(ctx context.Context, accountID domain.AccountID) (RiskLevel, error)
}
