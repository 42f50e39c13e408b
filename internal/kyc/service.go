package kyc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/platform/metrics"
	"vigil/internal/security"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

// Recorder is the slice of the ingest service the workflow uses to put every
// transition on the audit record.
type Recorder interface {
	Record(ctx context.Context, raw audit.RawEvent) (audit.Entry, error)
}

// DocumentUpload is the caller's input for one document.
type DocumentUpload struct {
	Type       string `json:"type"`
	Filename   string `json:"filename"`
	ContentRef string `json:"content_ref,omitempty"`
}

// Validate checks the upload before any state change.
func (u DocumentUpload) Validate() error {
	var missing []string
	if strings.TrimSpace(u.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(u.Filename) == "" {
		missing = append(missing, "filename")
	}
	if len(missing) > 0 {
		return dErrors.Newf(dErrors.CodeValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Service drives the submission workflow. Every transition is ingested as an
// audit entry once the submission itself is stored; a transition that loses
// its compare-and-swap never reaches the immutable record.
type Service struct {
	submissions SubmissionStore
	risk        RiskAssessor
	recorder    Recorder
	findings    security.FindingSink
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics injects the Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRiskAssessor wires the account risk source that gates decisions.
func WithRiskAssessor(r RiskAssessor) Option {
	return func(s *Service) { s.risk = r }
}

// WithRecorder wires the ingest service.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithFindingSink wires the correlator for high-risk rejection findings.
func WithFindingSink(sink security.FindingSink) Option {
	return func(s *Service) { s.findings = sink }
}

// New creates the workflow service.
func New(submissions SubmissionStore, opts ...Option) (*Service, error) {
	if submissions == nil {
		return nil, errors.New("submission store is required")
	}
	s := &Service{submissions: submissions}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UploadDocument adds a document to the account's active submission, creating
// the submission on first upload. A terminal active submission is superseded
// by a fresh one; a requires_additional_info submission returns to pending.
func (s *Service) UploadDocument(ctx context.Context, accountID domain.AccountID, applicant Applicant, upload DocumentUpload) (*Submission, error) {
	if accountID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "account id is required")
	}
	if err := upload.Validate(); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	doc := Document{
		ID:         domain.DocumentID(uuid.NewString()),
		Type:       upload.Type,
		Filename:   upload.Filename,
		ContentRef: upload.ContentRef,
		Status:     DocPending,
		UploadedAt: now,
	}

	active, err := s.submissions.ActiveForAccount(ctx, accountID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return s.createSubmission(ctx, accountID, applicant, doc, "")
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load active submission")
	}

	if active.Status.IsTerminal() {
		return s.supersede(ctx, active, applicant, doc)
	}

	expect := active.Status
	if active.Status == StatusRequiresInfo {
		active.ApplyResubmission(now)
	}
	active.Documents = append(active.Documents, doc)
	active.UpdatedAt = now

	if err := s.submissions.Update(ctx, active, expect); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict,
				"submission changed concurrently; re-fetch and retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store submission")
	}
	if err := s.record(ctx, active, "kyc_document_uploaded", audit.OutcomeSuccess,
		fmt.Sprintf("document %s (%s) uploaded", doc.Filename, doc.Type)); err != nil {
		return nil, err
	}
	return active, nil
}

func (s *Service) createSubmission(ctx context.Context, accountID domain.AccountID, applicant Applicant, doc Document, supersedes domain.SubmissionID) (*Submission, error) {
	now := requestcontext.Now(ctx)
	risk := RiskMedium
	if s.risk != nil {
		level, err := s.risk.RiskFor(ctx, accountID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to assess account risk")
		}
		risk = level
	}

	submission := &Submission{
		ID:          domain.SubmissionID(uuid.NewString()),
		AccountID:   accountID,
		Applicant:   applicant,
		Status:      StatusPending,
		RiskLevel:   risk,
		Documents:   []Document{doc},
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	detail := "submission created"
	if !supersedes.IsZero() {
		detail = fmt.Sprintf("submission created, superseding %s", supersedes)
	}
	if err := s.submissions.Create(ctx, submission); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to create submission")
	}
	if err := s.record(ctx, submission, "kyc_submission_created", audit.OutcomeSuccess, detail); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "kyc submission created",
			"submission", submission.ID.String(),
			"account", accountID.String(),
			"risk", string(risk),
		)
	}
	return submission, nil
}

// supersede terminalizes nothing: the old submission keeps its terminal
// status and is only marked as superseded once the new one exists.
func (s *Service) supersede(ctx context.Context, old *Submission, applicant Applicant, doc Document) (*Submission, error) {
	fresh, err := s.createSubmission(ctx, old.AccountID, applicant, doc, old.ID)
	if err != nil {
		return nil, err
	}
	old.SupersededBy = fresh.ID
	old.UpdatedAt = requestcontext.Now(ctx)
	if err := s.submissions.Update(ctx, old, old.Status); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to mark submission superseded")
	}
	return fresh, nil
}

// Get returns one submission by id.
func (s *Service) Get(ctx context.Context, id domain.SubmissionID) (*Submission, error) {
	if id.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "submission id is required")
	}
	submission, err := s.submissions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "submission not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load submission")
	}
	return submission, nil
}

// List returns submissions matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Submission, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", filter.Status)
	}
	if filter.RiskLevel != "" && !filter.RiskLevel.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown risk level %q", filter.RiskLevel)
	}
	submissions, err := s.submissions.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to list submissions")
	}
	return submissions, nil
}

// Decide transitions the submission. The reviewer is the authenticated actor
// on the context; the decision is ingested as an audit entry before it is
// stored.
func (s *Service) Decide(ctx context.Context, id domain.SubmissionID, target Status, notes string) (*Submission, error) {
	reviewer := requestcontext.ActorID(ctx)
	if reviewer.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "reviewer identity is required")
	}

	submission, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := submission.CanDecide(target, notes); err != nil {
		return nil, err
	}

	expect := submission.Status
	now := requestcontext.Now(ctx)
	submission.ApplyDecision(target, reviewer, notes, now)

	if err := s.submissions.Update(ctx, submission, expect); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict,
				"submission was decided concurrently; re-fetch and retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store decision")
	}
	entry, err := s.recordEntry(ctx, submission, "kyc_decision", audit.OutcomeSuccess,
		fmt.Sprintf("submission moved from %s to %s", expect, target))
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.KYCDecisions.WithLabelValues(string(target)).Inc()
	}
	if target == StatusRejected && submission.RiskLevel == RiskHigh {
		s.raiseFinding(ctx, submission, entry)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "kyc decision recorded",
			"submission", submission.ID.String(),
			"status", string(target),
			"reviewer", reviewer.String(),
		)
	}
	return submission, nil
}

// DecideDocument sets one document's review status. Document review is
// independent per document and only possible while the submission itself is
// not terminal.
func (s *Service) DecideDocument(ctx context.Context, id domain.SubmissionID, docID domain.DocumentID, status DocumentStatus, reason string) (*Submission, error) {
	reviewer := requestcontext.ActorID(ctx)
	if reviewer.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "reviewer identity is required")
	}
	if status != DocApproved && status != DocRejected {
		return nil, dErrors.Newf(dErrors.CodeValidation, "invalid document decision %q", status)
	}
	if status == DocRejected && strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "document rejection requires a reason")
	}

	submission, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if submission.Status.IsTerminal() {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"submission is already %s; documents can no longer be reviewed", submission.Status)
	}
	doc := submission.Document(docID)
	if doc == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "document not found")
	}

	now := requestcontext.Now(ctx)
	doc.Status = status
	doc.RejectionReason = ""
	if status == DocRejected {
		doc.RejectionReason = reason
	}
	reviewedAt := now
	doc.ReviewedAt = &reviewedAt
	submission.UpdatedAt = now

	if err := s.submissions.Update(ctx, submission, submission.Status); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict,
				"submission changed concurrently; re-fetch and retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store document decision")
	}
	if err := s.record(ctx, submission, "kyc_document_decision", audit.OutcomeSuccess,
		fmt.Sprintf("document %s marked %s", doc.Filename, status)); err != nil {
		return nil, err
	}
	return submission, nil
}

func (s *Service) record(ctx context.Context, submission *Submission, action string, outcome audit.Outcome, detail string) error {
	_, err := s.recordEntry(ctx, submission, action, outcome, detail)
	return err
}

func (s *Service) recordEntry(ctx context.Context, submission *Submission, action string, outcome audit.Outcome, detail string) (audit.Entry, error) {
	if s.recorder == nil {
		return audit.Entry{}, nil
	}
	actor := audit.Actor{
		ID:   requestcontext.ActorID(ctx),
		Name: requestcontext.ActorName(ctx),
		Role: requestcontext.ActorRole(ctx),
	}
	if actor.ID.IsZero() {
		actor.ID = submission.AccountID
	}
	entry, err := s.recorder.Record(ctx, audit.RawEvent{
		Actor:      actor,
		Action:     action,
		ActionType: audit.ActionUpdate,
		Resource:   audit.Resource{Type: "kyc_submission", ID: submission.ID.String()},
		Outcome:    outcome,
		Detail:     detail,
		Metadata:   map[string]string{"status": string(submission.Status), "risk_level": string(submission.RiskLevel)},
	})
	if err != nil {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "failed to record transition")
	}
	return entry, nil
}

func (s *Service) raiseFinding(ctx context.Context, submission *Submission, entry audit.Entry) {
	if s.findings == nil || entry.Seq == 0 {
		return
	}
	finding := security.Finding{
		AccountID:   submission.AccountID,
		Type:        security.EventSuspiciousActivity,
		Severity:    audit.SeverityHigh,
		Description: fmt.Sprintf("high-risk kyc submission %s rejected", submission.ID),
		Evidence:    []audit.Seq{entry.Seq},
	}
	if err := s.findings.SubmitFinding(ctx, finding); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to submit kyc finding",
			"submission", submission.ID.String(),
			"error", err,
		)
	}
}
