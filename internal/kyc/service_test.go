package kyc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"vigil/internal/audit"
	"vigil/internal/security"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

type memorySubmissions struct {
	byID map[domain.SubmissionID]*Submission
}

func newMemorySubmissions() *memorySubmissions {
	return &memorySubmissions{byID: make(map[domain.SubmissionID]*Submission)}
}

func (m *memorySubmissions) Create(_ context.Context, sub *Submission) error {
	if _, ok := m.byID[sub.ID]; ok {
		return sentinel.ErrConflict
	}
	c := *sub
	c.Documents = append([]Document(nil), sub.Documents...)
	m.byID[sub.ID] = &c
	return nil
}

func (m *memorySubmissions) Get(_ context.Context, id domain.SubmissionID) (*Submission, error) {
	sub, ok := m.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *sub
	c.Documents = append([]Document(nil), sub.Documents...)
	return &c, nil
}

func (m *memorySubmissions) List(_ context.Context, filter Filter) ([]*Submission, error) {
	var out []*Submission
	for _, sub := range m.byID {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		if filter.RiskLevel != "" && sub.RiskLevel != filter.RiskLevel {
			continue
		}
		c := *sub
		out = append(out, &c)
	}
	return out, nil
}

func (m *memorySubmissions) ActiveForAccount(_ context.Context, accountID domain.AccountID) (*Submission, error) {
	var active *Submission
	for _, sub := range m.byID {
		if sub.AccountID != accountID || !sub.SupersededBy.IsZero() {
			continue
		}
		if active == nil || sub.SubmittedAt.After(active.SubmittedAt) {
			active = sub
		}
	}
	if active == nil {
		return nil, sentinel.ErrNotFound
	}
	c := *active
	c.Documents = append([]Document(nil), active.Documents...)
	return &c, nil
}

func (m *memorySubmissions) Update(_ context.Context, sub *Submission, expect Status) error {
	stored, ok := m.byID[sub.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Status != expect {
		return sentinel.ErrConflict
	}
	c := *sub
	c.Documents = append([]Document(nil), sub.Documents...)
	m.byID[sub.ID] = &c
	return nil
}

type fixedRisk struct{ level RiskLevel }

func (f fixedRisk) RiskFor(context.Context, domain.AccountID) (RiskLevel, error) {
	return f.level, nil
}

type captureRecorder struct {
	recorded []audit.RawEvent
	nextSeq  audit.Seq
}

func (c *captureRecorder) Record(_ context.Context, raw audit.RawEvent) (audit.Entry, error) {
	c.recorded = append(c.recorded, raw)
	c.nextSeq++
	return audit.Entry{Seq: c.nextSeq, Action: raw.Action}, nil
}

type captureSink struct {
	findings []security.Finding
}

func (c *captureSink) SubmitFinding(_ context.Context, f security.Finding) error {
	c.findings = append(c.findings, f)
	return nil
}

type KYCSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memorySubmissions
	recorder *captureRecorder
	sink     *captureSink
	risk     *fixedRisk
	service  *Service
}

func TestKYCSuite(t *testing.T) {
	suite.Run(t, new(KYCSuite))
}

func (s *KYCSuite) SetupTest() {
	s.ctx = requestcontext.WithActorID(context.Background(), domain.AccountID("reviewer-1"))
	s.store = newMemorySubmissions()
	s.recorder = &captureRecorder{}
	s.sink = &captureSink{}
	s.risk = &fixedRisk{level: RiskLow}
	var err error
	s.service, err = New(s.store,
		WithRiskAssessor(s.risk),
		WithRecorder(s.recorder),
		WithFindingSink(s.sink),
	)
	s.Require().NoError(err)
}

func (s *KYCSuite) upload(account domain.AccountID, filename string) *Submission {
	sub, err := s.service.UploadDocument(s.ctx, account, Applicant{FullName: "Dana Silva"}, DocumentUpload{
		Type:     "passport",
		Filename: filename,
	})
	s.Require().NoError(err)
	return sub
}

func (s *KYCSuite) approveAllDocuments(sub *Submission) *Submission {
	current := sub
	for _, doc := range sub.Documents {
		var err error
		current, err = s.service.DecideDocument(s.ctx, sub.ID, doc.ID, DocApproved, "")
		s.Require().NoError(err)
	}
	return current
}

func (s *KYCSuite) TestUploadDocument() {
	account := domain.AccountID("acct-1")

	s.Run("first upload creates a pending submission", func() {
		sub := s.upload(account, "passport.pdf")
		s.Equal(StatusPending, sub.Status)
		s.Equal(RiskLow, sub.RiskLevel)
		s.Require().Len(sub.Documents, 1)
		s.Equal(DocPending, sub.Documents[0].Status)
		s.Require().Len(s.recorder.recorded, 1)
		s.Equal("kyc_submission_created", s.recorder.recorded[0].Action)
		s.Equal(audit.ActionUpdate, s.recorder.recorded[0].ActionType)
	})

	s.Run("second upload extends the same submission", func() {
		sub := s.upload(account, "utility-bill.pdf")
		s.Len(sub.Documents, 2)
	})

	s.Run("upload without filename is rejected", func() {
		_, err := s.service.UploadDocument(s.ctx, account, Applicant{}, DocumentUpload{Type: "passport"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *KYCSuite) TestLowRiskShortcut() {
	account := domain.AccountID("acct-low")
	sub := s.upload(account, "passport.pdf")

	s.Run("approval requires all documents approved", func() {
		_, err := s.service.Decide(s.ctx, sub.ID, StatusApproved, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("low risk approves directly from pending", func() {
		s.approveAllDocuments(sub)
		decided, err := s.service.Decide(s.ctx, sub.ID, StatusApproved, "documents in order")
		s.Require().NoError(err)
		s.Equal(StatusApproved, decided.Status)
		s.Equal(domain.AccountID("reviewer-1"), decided.ReviewedBy)
		s.Require().NotNil(decided.ReviewedAt)
	})

	s.Run("terminal submissions reject further decisions", func() {
		_, err := s.service.Decide(s.ctx, sub.ID, StatusRejected, "changed my mind")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

func (s *KYCSuite) TestRiskGate() {
	s.risk.level = RiskHigh
	account := domain.AccountID("acct-high")
	sub := s.upload(account, "passport.pdf")
	s.Equal(RiskHigh, sub.RiskLevel)

	s.Run("high risk cannot skip review", func() {
		s.approveAllDocuments(sub)
		_, err := s.service.Decide(s.ctx, sub.ID, StatusApproved, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
		s.Contains(dErrors.Reason(err), "not low-risk")
	})

	s.Run("review unlocks the terminal decision", func() {
		_, err := s.service.Decide(s.ctx, sub.ID, StatusUnderReview, "")
		s.Require().NoError(err)
		decided, err := s.service.Decide(s.ctx, sub.ID, StatusApproved, "")
		s.Require().NoError(err)
		s.Equal(StatusApproved, decided.Status)
	})
}

func (s *KYCSuite) TestRejection() {
	account := domain.AccountID("acct-rej")
	sub := s.upload(account, "passport.pdf")

	s.Run("rejection without a rejected document needs an override reason", func() {
		_, err := s.service.Decide(s.ctx, sub.ID, StatusRejected, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("a rejected document carries the rejection", func() {
		_, err := s.service.DecideDocument(s.ctx, sub.ID, sub.Documents[0].ID, DocRejected, "photo unreadable")
		s.Require().NoError(err)
		decided, err := s.service.Decide(s.ctx, sub.ID, StatusRejected, "")
		s.Require().NoError(err)
		s.Equal(StatusRejected, decided.Status)
	})
}

func (s *KYCSuite) TestHighRiskRejectionRaisesFinding() {
	s.risk.level = RiskHigh
	account := domain.AccountID("acct-flag")
	sub := s.upload(account, "passport.pdf")

	_, err := s.service.Decide(s.ctx, sub.ID, StatusUnderReview, "")
	s.Require().NoError(err)
	_, err = s.service.Decide(s.ctx, sub.ID, StatusRejected, "forged document suspected")
	s.Require().NoError(err)

	s.Require().Len(s.sink.findings, 1)
	s.Equal(account, s.sink.findings[0].AccountID)
	s.Equal(security.EventSuspiciousActivity, s.sink.findings[0].Type)
	s.NotEmpty(s.sink.findings[0].Evidence)
}

func (s *KYCSuite) TestResubmission() {
	account := domain.AccountID("acct-resub")
	sub := s.upload(account, "passport.pdf")

	s.Run("information can only be requested during review", func() {
		_, err := s.service.Decide(s.ctx, sub.ID, StatusRequiresInfo, "need proof of address")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	_, err := s.service.Decide(s.ctx, sub.ID, StatusUnderReview, "")
	s.Require().NoError(err)
	_, err = s.service.Decide(s.ctx, sub.ID, StatusRequiresInfo, "need proof of address")
	s.Require().NoError(err)

	s.Run("decisions are blocked while awaiting information", func() {
		_, err := s.service.Decide(s.ctx, sub.ID, StatusUnderReview, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("a new document returns the submission to pending", func() {
		updated := s.upload(account, "proof-of-address.pdf")
		s.Equal(sub.ID, updated.ID, "resubmission reuses the open submission")
		s.Equal(StatusPending, updated.Status)
		s.Len(updated.Documents, 2)
	})
}

func (s *KYCSuite) TestSupersede() {
	account := domain.AccountID("acct-super")
	sub := s.upload(account, "passport.pdf")
	s.approveAllDocuments(sub)
	_, err := s.service.Decide(s.ctx, sub.ID, StatusApproved, "")
	s.Require().NoError(err)

	fresh := s.upload(account, "passport-renewed.pdf")
	s.NotEqual(sub.ID, fresh.ID, "terminal submissions are superseded, not mutated")
	s.Equal(StatusPending, fresh.Status)

	old, err := s.service.Get(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(StatusApproved, old.Status, "the superseded submission keeps its terminal status")
	s.Equal(fresh.ID, old.SupersededBy)

	active, err := s.store.ActiveForAccount(s.ctx, account)
	s.Require().NoError(err)
	s.Equal(fresh.ID, active.ID)
}

func (s *KYCSuite) TestDocumentDecisions() {
	account := domain.AccountID("acct-doc")
	sub := s.upload(account, "passport.pdf")

	s.Run("rejection requires a reason", func() {
		_, err := s.service.DecideDocument(s.ctx, sub.ID, sub.Documents[0].ID, DocRejected, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown document returns not found", func() {
		_, err := s.service.DecideDocument(s.ctx, sub.ID, domain.DocumentID("missing"), DocApproved, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("decision records the reviewer timestamp", func() {
		updated, err := s.service.DecideDocument(s.ctx, sub.ID, sub.Documents[0].ID, DocApproved, "")
		s.Require().NoError(err)
		s.Require().NotNil(updated.Documents[0].ReviewedAt)
		s.Equal(DocApproved, updated.Documents[0].Status)
	})

	s.Run("anonymous reviewers are rejected", func() {
		_, err := s.service.DecideDocument(context.Background(), sub.ID, sub.Documents[0].ID, DocApproved, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *KYCSuite) TestEveryTransitionIsAudited() {
	account := domain.AccountID("acct-trail")
	sub := s.upload(account, "passport.pdf")
	s.approveAllDocuments(sub)
	_, err := s.service.Decide(s.ctx, sub.ID, StatusApproved, "")
	s.Require().NoError(err)

	var actions []string
	for _, raw := range s.recorder.recorded {
		actions = append(actions, raw.Action)
	}
	s.Equal([]string{"kyc_submission_created", "kyc_document_decision", "kyc_decision"}, actions)
	for _, raw := range s.recorder.recorded {
		s.Equal(audit.ActionUpdate, raw.ActionType)
		s.Equal("kyc_submission", raw.Resource.Type)
	}
}

// conflictingSubmissions fails the next Update, standing in for a concurrent
// reviewer winning the compare-and-swap between read and write.
type conflictingSubmissions struct {
	*memorySubmissions
	failNext bool
}

func (c *conflictingSubmissions) Update(ctx context.Context, sub *Submission, expect Status) error {
	if c.failNext {
		c.failNext = false
		return sentinel.ErrConflict
	}
	return c.memorySubmissions.Update(ctx, sub, expect)
}

func (s *KYCSuite) TestLostDecisionIsNotAudited() {
	store := &conflictingSubmissions{memorySubmissions: newMemorySubmissions()}
	recorder := &captureRecorder{}
	service, err := New(store,
		WithRiskAssessor(fixedRisk{level: RiskLow}),
		WithRecorder(recorder),
	)
	s.Require().NoError(err)

	account := domain.AccountID("acct-lost")
	sub, err := service.UploadDocument(s.ctx, account, Applicant{FullName: "Dana Silva"}, DocumentUpload{
		Type:     "passport",
		Filename: "passport.pdf",
	})
	s.Require().NoError(err)
	sub, err = service.DecideDocument(s.ctx, sub.ID, sub.Documents[0].ID, DocApproved, "")
	s.Require().NoError(err)

	before := len(recorder.recorded)
	store.failNext = true
	_, err = service.Decide(s.ctx, sub.ID, StatusApproved, "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Len(recorder.recorded, before,
		"a decision that lost its compare-and-swap must leave no trace on the audit record")

	// The winning retry is recorded exactly once.
	decided, err := service.Decide(s.ctx, sub.ID, StatusApproved, "")
	s.Require().NoError(err)
	s.Equal(StatusApproved, decided.Status)
	s.Require().Len(recorder.recorded, before+1)
	s.Equal("kyc_decision", recorder.recorded[before].Action)
}
