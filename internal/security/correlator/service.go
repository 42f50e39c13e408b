// Package correlator turns committed audit entries and candidate findings
// into security events, and owns the event lifecycle. It is the only
// component that opens, transitions, or terminalizes events.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/platform/metrics"
	"vigil/internal/security"
	"vigil/internal/security/reputation"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

// Recorder is the slice of the ingest service used to log oracle degradation.
type Recorder interface {
	Record(ctx context.Context, raw audit.RawEvent) (audit.Entry, error)
}

// failure is one failed login inside an actor's sliding window.
type failure struct {
	seq audit.Seq
	at  time.Time
}

// Service detects incidents and manages their lifecycle. Window state is
// in-memory and per-instance; it is derived state and rebuilds from the
// stream on restart.
type Service struct {
	events   security.EventStore
	oracle   *reputation.Client
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics

	failedLoginThreshold int
	failedLoginWindow    time.Duration

	mu      sync.Mutex
	windows map[domain.AccountID][]failure
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

// WithOracle wires the IP reputation client. Lookups are advisory and the
// service works without one.
func WithOracle(oracle *reputation.Client) Option {
	return func(s *Service) { s.oracle = oracle }
}

// WithRecorder wires the ingest service for degradation warnings.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithFailedLoginThreshold overrides how many failures in the window open an
// event.
func WithFailedLoginThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.failedLoginThreshold = n
		}
	}
}

// WithFailedLoginWindow overrides the sliding window length.
func WithFailedLoginWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.failedLoginWindow = d
		}
	}
}

// New creates the correlator.
func New(events security.EventStore, opts ...Option) (*Service, error) {
	if events == nil {
		return nil, errors.New("event store is required")
	}
	s := &Service{
		events:               events,
		failedLoginThreshold: 5,
		failedLoginWindow:    15 * time.Minute,
		windows:              make(map[domain.AccountID][]failure),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process examines one committed entry for incident conditions. Safe under
// replay: event creation dedups on (account, type) and evidence appends dedup
// on sequence id.
func (s *Service) Process(ctx context.Context, entry audit.Entry) error {
	if entry.Severity == audit.SeverityCritical {
		if err := s.openCritical(ctx, entry); err != nil {
			return err
		}
	}

	if entry.ActionType == audit.ActionLogin && entry.Outcome == audit.OutcomeFailed {
		if err := s.trackFailure(ctx, entry); err != nil {
			return err
		}
		s.checkReputation(ctx, entry)
	}
	return nil
}

// trackFailure slides the actor's failure window and opens (or extends) a
// failed_login event when the threshold is met.
func (s *Service) trackFailure(ctx context.Context, entry audit.Entry) error {
	s.mu.Lock()
	cutoff := entry.Timestamp.Add(-s.failedLoginWindow)
	window := s.windows[entry.Actor.ID]
	kept := window[:0]
	for _, f := range window {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	seen := false
	for _, f := range kept {
		if f.seq == entry.Seq {
			seen = true
			break
		}
	}
	if !seen {
		kept = append(kept, failure{seq: entry.Seq, at: entry.Timestamp})
	}
	s.windows[entry.Actor.ID] = kept

	tripped := len(kept) >= s.failedLoginThreshold
	evidence := make([]audit.Seq, len(kept))
	for i, f := range kept {
		evidence[i] = f.seq
	}
	s.mu.Unlock()

	if !tripped {
		return nil
	}
	return s.SubmitFinding(ctx, security.Finding{
		AccountID:   entry.Actor.ID,
		Type:        security.EventFailedLogin,
		Severity:    audit.SeverityHigh,
		Description: fmt.Sprintf("%d failed logins within %s", len(evidence), s.failedLoginWindow),
		Origin:      entry.Origin,
		Evidence:    evidence,
	})
}

// openCritical opens an event for any entry classified critical.
func (s *Service) openCritical(ctx context.Context, entry audit.Entry) error {
	eventType := security.EventSuspiciousActivity
	if entry.ActionType == audit.ActionSecurity && entry.Outcome == audit.OutcomeFailed {
		eventType = security.EventUnauthorizedAccess
	}
	return s.SubmitFinding(ctx, security.Finding{
		AccountID:   entry.Actor.ID,
		Type:        eventType,
		Severity:    audit.SeverityCritical,
		Description: fmt.Sprintf("critical entry ingested: %s %s", entry.Action, entry.Outcome),
		Origin:      entry.Origin,
		Evidence:    []audit.Seq{entry.Seq},
	})
}

// checkReputation consults the oracle about the failure's source address.
// The oracle is advisory: on timeout or open circuit the correlator proceeds
// on local signals only, and the degradation itself is put on the record.
func (s *Service) checkReputation(ctx context.Context, entry audit.Entry) {
	if s.oracle == nil || entry.Origin.IP == "" {
		return
	}
	verdict, err := s.oracle.Lookup(ctx, entry.Origin.IP)
	if err != nil {
		if s.metrics != nil {
			s.metrics.OracleTimeouts.Inc()
		}
		if s.logger != nil {
			s.logger.WarnContext(ctx, "reputation lookup degraded, proceeding on local signals",
				"ip", entry.Origin.IP, "error", err)
		}
		s.recordDegradation(ctx, entry, err)
		return
	}
	if !verdict.Malicious {
		return
	}
	if err := s.SubmitFinding(ctx, security.Finding{
		AccountID:   entry.Actor.ID,
		Type:        security.EventSuspiciousActivity,
		Severity:    audit.SeverityHigh,
		Description: fmt.Sprintf("login attempt from denylisted address %s (confidence %.2f)", verdict.IP, verdict.Confidence),
		Origin:      entry.Origin,
		Evidence:    []audit.Seq{entry.Seq},
	}); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to open denylisted-source event", "error", err)
	}
}

func (s *Service) recordDegradation(ctx context.Context, entry audit.Entry, cause error) {
	if s.recorder == nil {
		return
	}
	_, err := s.recorder.Record(ctx, audit.RawEvent{
		Actor:      audit.Actor{ID: "system", Name: "correlator", Role: "system"},
		Action:     "reputation_lookup_degraded",
		ActionType: audit.ActionSystem,
		Resource:   audit.Resource{Type: "ip", ID: entry.Origin.IP},
		Outcome:    audit.OutcomeWarning,
		Detail:     cause.Error(),
	})
	if err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to record oracle degradation", "error", err)
	}
}

// SubmitFinding opens a security event for the finding, or appends its
// evidence to the already-open event for the same (account, type). This is
// the dedup point for every producer: the store performs the lookup and
// merge under one lock, so concurrent submitters for the same key converge
// on a single open event with the union of their evidence.
func (s *Service) SubmitFinding(ctx context.Context, finding security.Finding) error {
	if len(finding.Evidence) == 0 {
		return dErrors.New(dErrors.CodeValidation, "finding requires at least one evidence entry")
	}

	now := requestcontext.Now(ctx)
	event, opened, err := s.events.Open(ctx, &security.Event{
		ID:          domain.SecurityEventID(uuid.NewString()),
		Type:        finding.Type,
		Severity:    finding.Severity,
		AccountID:   finding.AccountID,
		Description: finding.Description,
		Origin:      finding.Origin,
		Status:      security.StatusActive,
		Evidence:    append([]audit.Seq(nil), finding.Evidence...),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "failed to open event")
	}
	if !opened {
		// Evidence was merged into the existing open event.
		return nil
	}
	if s.metrics != nil {
		s.metrics.EventsOpened.WithLabelValues(string(finding.Type)).Inc()
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "security event opened",
			"event", event.ID.String(),
			"type", string(event.Type),
			"severity", string(event.Severity),
			"account", event.AccountID.String(),
		)
	}
	return nil
}

// Get returns one event by id.
func (s *Service) Get(ctx context.Context, id domain.SecurityEventID) (*security.Event, error) {
	if id.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "event id is required")
	}
	event, err := s.events.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "security event not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load event")
	}
	return event, nil
}

// List returns events matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter security.EventFilter) ([]*security.Event, error) {
	events, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to list events")
	}
	return events, nil
}

// Acknowledge moves an active event to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id domain.SecurityEventID) (*security.Event, error) {
	return s.transition(ctx, id, security.StatusAcknowledged)
}

// Resolve terminalizes the event as a handled incident. The resolver is the
// authenticated actor on the context.
func (s *Service) Resolve(ctx context.Context, id domain.SecurityEventID) (*security.Event, error) {
	return s.transition(ctx, id, security.StatusResolved)
}

// MarkFalsePositive terminalizes the event as not a real threat. Any score or
// lockout side effects are the caller's to revert.
func (s *Service) MarkFalsePositive(ctx context.Context, id domain.SecurityEventID) (*security.Event, error) {
	return s.transition(ctx, id, security.StatusFalsePositive)
}

func (s *Service) transition(ctx context.Context, id domain.SecurityEventID, target security.EventStatus) (*security.Event, error) {
	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := event.CanTransition(target); err != nil {
		return nil, err
	}

	expect := event.Status
	now := requestcontext.Now(ctx)
	switch target {
	case security.StatusAcknowledged:
		event.ApplyAcknowledge(now)
	case security.StatusResolved, security.StatusFalsePositive:
		resolver := requestcontext.ActorID(ctx)
		if resolver.IsZero() {
			return nil, dErrors.New(dErrors.CodeValidation, "resolver identity is required")
		}
		event.ApplyResolution(target, resolver, now)
	}

	if err := s.events.Update(ctx, event, expect); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict,
				"event was transitioned concurrently; re-fetch and retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store event transition")
	}
	if s.metrics != nil {
		s.metrics.EventsTransitioned.WithLabelValues(string(target)).Inc()
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "security event transitioned",
			"event", event.ID.String(),
			"status", string(target),
		)
	}
	return event, nil
}
