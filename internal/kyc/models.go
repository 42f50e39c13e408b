// Package kyc implements the identity-verification review workflow: one
// active submission per account, document-level review, and a risk-gated
// decision state machine.
package kyc

import (
	"strings"
	"time"

	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
)

// Status is the submission lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusUnderReview  Status = "under_review"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusRequiresInfo Status = "requires_additional_info"
)

// IsValid reports whether the status is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusApproved, StatusRejected, StatusRequiresInfo:
		return true
	}
	return false
}

// IsTerminal reports whether the submission can no longer transition.
// requires_additional_info is not terminal: resubmission returns it to
// pending.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// DocumentStatus is the per-document review state.
type DocumentStatus string

const (
	DocPending  DocumentStatus = "pending"
	DocApproved DocumentStatus = "approved"
	DocRejected DocumentStatus = "rejected"
)

// IsValid reports whether the document status is known.
func (s DocumentStatus) IsValid() bool {
	return s == DocPending || s == DocApproved || s == DocRejected
}

// RiskLevel gates how a submission may reach a terminal decision.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsValid reports whether the risk level is known.
func (r RiskLevel) IsValid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Document is one identity document inside a submission.
type Document struct {
	ID              domain.DocumentID `json:"id"`
	Type            string            `json:"type"`
	Filename        string            `json:"filename"`
	ContentRef      string            `json:"content_ref,omitempty"`
	Status          DocumentStatus    `json:"status"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	UploadedAt      time.Time         `json:"uploaded_at"`
	ReviewedAt      *time.Time        `json:"reviewed_at,omitempty"`
}

// Applicant is the personal data attached to a submission.
type Applicant struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Nationality string `json:"nationality,omitempty"`
	Address     string `json:"address,omitempty"`
}

// Submission is one identity-verification attempt.
//
// Invariants:
//   - status approved requires every document approved
//   - status rejected requires a rejected document or an override reason
//   - medium/high risk never reaches a terminal status without having
//     passed through under_review
type Submission struct {
	ID           domain.SubmissionID `json:"id"`
	AccountID    domain.AccountID    `json:"account_id"`
	Applicant    Applicant           `json:"applicant"`
	Status       Status              `json:"status"`
	RiskLevel    RiskLevel           `json:"risk_level"`
	Documents    []Document          `json:"documents"`
	ReviewedBy   domain.AccountID    `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time          `json:"reviewed_at,omitempty"`
	Notes        string              `json:"notes,omitempty"`
	SupersededBy domain.SubmissionID `json:"superseded_by,omitempty"`
	SubmittedAt  time.Time           `json:"submitted_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Document returns the document with the given id, or nil.
func (s *Submission) Document(id domain.DocumentID) *Document {
	for i := range s.Documents {
		if s.Documents[i].ID == id {
			return &s.Documents[i]
		}
	}
	return nil
}

// AllDocumentsApproved reports whether every document has been approved. A
// submission without documents cannot be approved.
func (s *Submission) AllDocumentsApproved() bool {
	if len(s.Documents) == 0 {
		return false
	}
	for _, d := range s.Documents {
		if d.Status != DocApproved {
			return false
		}
	}
	return true
}

// HasRejectedDocument reports whether at least one document was rejected.
func (s *Submission) HasRejectedDocument() bool {
	for _, d := range s.Documents {
		if d.Status == DocRejected {
			return true
		}
	}
	return false
}

// CanDecide checks whether the submission may transition to target, including
// the risk gate and the document invariants. Current state is never changed.
func (s *Submission) CanDecide(target Status, notes string) error {
	if !target.IsValid() || target == StatusPending {
		return dErrors.Newf(dErrors.CodeValidation, "invalid decision status %q", target)
	}
	if s.Status.IsTerminal() {
		return dErrors.Newf(dErrors.CodeInvalidTransition,
			"submission is already %s; terminal states cannot transition", s.Status)
	}

	switch s.Status {
	case StatusPending:
		if target == StatusUnderReview {
			break
		}
		if target == StatusRequiresInfo {
			return dErrors.New(dErrors.CodeInvalidTransition,
				"additional information can only be requested during review")
		}
		// pending → approved/rejected is the low-risk shortcut.
		if s.RiskLevel != RiskLow {
			return dErrors.Newf(dErrors.CodeInvalidTransition,
				"submission is not low-risk; review required before a %s decision", target)
		}
	case StatusUnderReview:
		// Any decision may follow review.
	case StatusRequiresInfo:
		return dErrors.New(dErrors.CodeInvalidTransition,
			"submission is awaiting additional information; resubmission returns it to pending")
	}

	switch target {
	case StatusApproved:
		if !s.AllDocumentsApproved() {
			return dErrors.New(dErrors.CodeInvalidTransition,
				"cannot approve: every document must be approved first")
		}
	case StatusRejected:
		if !s.HasRejectedDocument() && strings.TrimSpace(notes) == "" {
			return dErrors.New(dErrors.CodeInvalidTransition,
				"cannot reject: requires a rejected document or an override reason")
		}
	}
	return nil
}

// ApplyDecision records the transition. Call CanDecide first.
func (s *Submission) ApplyDecision(target Status, reviewer domain.AccountID, notes string, now time.Time) {
	s.Status = target
	s.ReviewedBy = reviewer
	reviewedAt := now
	s.ReviewedAt = &reviewedAt
	if notes != "" {
		s.Notes = notes
	}
	s.UpdatedAt = now
}

// ApplyResubmission returns a requires_additional_info submission to pending.
func (s *Submission) ApplyResubmission(now time.Time) {
	s.Status = StatusPending
	s.UpdatedAt = now
}
