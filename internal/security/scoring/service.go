// Package scoring implements the risk scoring engine: a bounded, idempotent
// security score recomputed from weighted account hygiene factors.
package scoring

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"vigil/internal/audit"
	"vigil/internal/platform/metrics"
	"vigil/internal/security"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

// Score weights. The sum of positive weights exceeds 100 on purpose; the
// final score is clamped to [0,100].
const (
	weightTwoFactor      = 20
	weightBackupCodes    = 10
	weightTrustedDevices = 15
	weightPerAllowedIP   = 10
	maxCountedIPs        = 3
	penaltyPerFailure    = 20 // per consecutive failure beyond 2
	freeFailures         = 2
	penaltyLockout       = 30
)

// Recorder is the slice of the ingest service the unlock operation needs.
type Recorder interface {
	Record(ctx context.Context, raw audit.RawEvent) (audit.Entry, error)
}

// Service recomputes account security scores. All profile mutation for one
// account happens under that account's lock; two concurrent recomputations
// never interleave.
type Service struct {
	profiles security.ProfileStore
	findings security.FindingSink
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics

	lowScoreThreshold int
	lockoutThreshold  int

	mu    sync.Mutex
	locks map[domain.AccountID]*sync.Mutex
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

// WithFindingSink wires the correlator as the receiver of candidate
// findings.
func WithFindingSink(sink security.FindingSink) Option {
	return func(s *Service) { s.findings = sink }
}

// WithRecorder wires the ingest service for audit entries emitted by unlock.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLowScoreThreshold overrides the score below which a finding is raised.
func WithLowScoreThreshold(threshold int) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.lowScoreThreshold = threshold
		}
	}
}

// WithLockoutThreshold overrides the consecutive-failure count that sets the
// lockout flag.
func WithLockoutThreshold(threshold int) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
	}
}

// New creates the scoring service.
func New(profiles security.ProfileStore, opts ...Option) (*Service, error) {
	if profiles == nil {
		return nil, errors.New("profile store is required")
	}
	s := &Service{
		profiles:          profiles,
		lowScoreThreshold: 40,
		lockoutThreshold:  5,
		locks:             make(map[domain.AccountID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) lockFor(accountID domain.AccountID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// Recompute recalculates the score from the profile's current factors. It is
// idempotent: with no intervening events, repeated calls yield the same
// score. The profile is created on first reference.
func (s *Service) Recompute(ctx context.Context, accountID domain.AccountID) (*security.Profile, error) {
	if accountID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "account id is required")
	}

	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	profile, err := s.loadOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.rescore(ctx, profile, nil)

	if err := s.profiles.PutProfile(ctx, profile); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store profile")
	}
	if s.metrics != nil {
		s.metrics.ScoreRecomputes.Inc()
	}
	return profile, nil
}

// GetProfile returns the stored profile, or the zero profile for an account
// never seen before.
func (s *Service) GetProfile(ctx context.Context, accountID domain.AccountID) (*security.Profile, error) {
	if accountID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "account id is required")
	}
	profile, err := s.profiles.GetProfile(ctx, accountID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return security.NewProfile(accountID), nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load profile")
	}
	return profile, nil
}

// Unlock clears the lockout flag and the failed-login counter. This is the
// only path that clears lockout; recomputation never does. The unlock is
// ingested as an audit entry once the stored profile reflects it.
func (s *Service) Unlock(ctx context.Context, accountID domain.AccountID) (*security.Profile, error) {
	if accountID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "account id is required")
	}

	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	profile, err := s.loadOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !profile.LockedOut && profile.FailedLogins == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "account is not locked")
	}

	profile.LockedOut = false
	profile.FailedLogins = 0
	s.rescore(ctx, profile, nil)

	if err := s.profiles.PutProfile(ctx, profile); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store profile")
	}

	if s.recorder != nil {
		_, err = s.recorder.Record(ctx, audit.RawEvent{
			Actor: audit.Actor{
				ID:   requestcontext.ActorID(ctx),
				Name: requestcontext.ActorName(ctx),
				Role: requestcontext.ActorRole(ctx),
			},
			Action:     "account_unlocked",
			ActionType: audit.ActionSecurity,
			Resource:   audit.Resource{Type: "account", ID: accountID.String()},
			Outcome:    audit.OutcomeSuccess,
			Detail:     "lockout cleared by operator",
		})
		if err != nil {
			return nil, err
		}
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "account unlocked",
			"account", accountID.String(),
			"score", profile.Score,
		)
	}
	return profile, nil
}

// ApplyEntry folds one committed audit entry into the account profile and
// recomputes the score. Replayed entries (seq at or below the profile's
// watermark) are skipped, making at-least-once delivery safe.
func (s *Service) ApplyEntry(ctx context.Context, entry audit.Entry) error {
	accountID := entry.Actor.ID
	if accountID.IsZero() {
		return nil
	}

	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	profile, err := s.loadOrCreate(ctx, accountID)
	if err != nil {
		return err
	}
	if entry.Seq <= profile.LastSeq {
		return nil
	}

	s.applyFactors(ctx, profile, entry)
	profile.LastSeq = entry.Seq
	profile.UpdatedAt = entry.Timestamp
	s.rescore(ctx, profile, []audit.Seq{entry.Seq})

	if err := s.profiles.PutProfile(ctx, profile); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "failed to store profile")
	}
	return nil
}

// applyFactors mutates profile fields according to the entry's meaning.
func (s *Service) applyFactors(ctx context.Context, profile *security.Profile, entry audit.Entry) {
	switch entry.ActionType {
	case audit.ActionLogin:
		switch entry.Outcome {
		case audit.OutcomeFailed:
			profile.FailedLogins++
			if !profile.LockedOut && profile.FailedLogins >= s.lockoutThreshold {
				profile.LockedOut = true
				s.submitFinding(ctx, security.Finding{
					AccountID:   profile.AccountID,
					Type:        security.EventAccountLocked,
					Severity:    audit.SeverityHigh,
					Description: "account locked after " + strconv.Itoa(profile.FailedLogins) + " consecutive failed logins",
					Origin:      entry.Origin,
					Evidence:    []audit.Seq{entry.Seq},
				})
			}
		case audit.OutcomeSuccess:
			profile.FailedLogins = 0
		}
	case audit.ActionSecurity:
		s.applySecurityAction(profile, entry)
	}
}

// applySecurityAction interprets the security action labels that carry
// profile changes. Unknown labels are ignored; they still count as audit
// trail but do not alter scoring factors.
func (s *Service) applySecurityAction(profile *security.Profile, entry audit.Entry) {
	meta := entry.Metadata
	switch entry.Action {
	case "2fa_enabled":
		profile.TwoFactorEnabled = true
		if m, ok := meta["method"]; ok {
			profile.TwoFactorMethod = security.TwoFactorMethod(m)
		}
	case "2fa_disabled":
		profile.TwoFactorEnabled = false
		profile.TwoFactorMethod = ""
	case "backup_codes_generated":
		profile.BackupCodesGenerated = true
	case "device_registered":
		device := security.TrustedDevice{
			ID:         meta["device_id"],
			Name:       meta["device_name"],
			Trusted:    meta["trusted"] == "true",
			LastUsedAt: entry.Timestamp,
		}
		if device.ID != "" {
			profile.TrustedDevices = upsertDevice(profile.TrustedDevices, device)
		}
	case "device_trusted", "device_untrusted":
		id := meta["device_id"]
		for i := range profile.TrustedDevices {
			if profile.TrustedDevices[i].ID == id {
				profile.TrustedDevices[i].Trusted = entry.Action == "device_trusted"
				profile.TrustedDevices[i].LastUsedAt = entry.Timestamp
			}
		}
	case "ip_allowlisted":
		if ip := meta["ip"]; ip != "" && !profile.HasAllowlistedIP(ip) {
			profile.AllowlistedIPs = append(profile.AllowlistedIPs, ip)
		}
	case "ip_delisted":
		ip := meta["ip"]
		kept := profile.AllowlistedIPs[:0]
		for _, a := range profile.AllowlistedIPs {
			if a != ip {
				kept = append(kept, a)
			}
		}
		profile.AllowlistedIPs = kept
	}
}

// rescore recomputes the clamped score and raises a candidate finding when
// the score crosses below the threshold. Findings need evidence; a rescore
// with no triggering entries falls back to the profile watermark.
func (s *Service) rescore(ctx context.Context, profile *security.Profile, evidence []audit.Seq) {
	previous := profile.Score
	profile.Score = ComputeScore(profile)
	profile.Badge = security.BadgeFor(profile.Score)

	if previous >= s.lowScoreThreshold && profile.Score < s.lowScoreThreshold {
		if len(evidence) == 0 && profile.LastSeq > 0 {
			evidence = []audit.Seq{profile.LastSeq}
		}
		if len(evidence) == 0 {
			return
		}
		s.submitFinding(ctx, security.Finding{
			AccountID:   profile.AccountID,
			Type:        security.EventSuspiciousActivity,
			Severity:    audit.SeverityMedium,
			Description: "security score dropped below " + strconv.Itoa(s.lowScoreThreshold),
			Evidence:    evidence,
		})
	}
}

func (s *Service) submitFinding(ctx context.Context, finding security.Finding) {
	if s.findings == nil {
		return
	}
	if err := s.findings.SubmitFinding(ctx, finding); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to submit finding",
			"account", finding.AccountID.String(),
			"type", string(finding.Type),
			"error", err,
		)
	}
}

// ComputeScore applies the weight table to the profile's current factors and
// clamps to [0,100]. Pure function of the profile; this is what makes
// Recompute idempotent.
func ComputeScore(p *security.Profile) int {
	score := 0
	if p.TwoFactorEnabled {
		score += weightTwoFactor
	}
	if p.BackupCodesGenerated {
		score += weightBackupCodes
	}
	if p.AllDevicesTrusted() {
		score += weightTrustedDevices
	}
	ips := len(p.AllowlistedIPs)
	if ips > maxCountedIPs {
		ips = maxCountedIPs
	}
	score += ips * weightPerAllowedIP

	if extra := p.FailedLogins - freeFailures; extra > 0 {
		score -= extra * penaltyPerFailure
	}
	if p.LockedOut {
		score -= penaltyLockout
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (s *Service) loadOrCreate(ctx context.Context, accountID domain.AccountID) (*security.Profile, error) {
	profile, err := s.profiles.GetProfile(ctx, accountID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return security.NewProfile(accountID), nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load profile")
	}
	return profile, nil
}

func upsertDevice(devices []security.TrustedDevice, device security.TrustedDevice) []security.TrustedDevice {
	for i := range devices {
		if devices[i].ID == device.ID {
			devices[i] = device
			return devices
		}
	}
	return append(devices, device)
}
