// Package security holds the account security profile and derived security
// event models shared by the scoring engine and the correlator.
package security

import (
	"time"

	"vigil/internal/audit"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
)

// TwoFactorMethod is how an account performs its second factor.
type TwoFactorMethod string

const (
	TwoFactorTOTP  TwoFactorMethod = "totp"
	TwoFactorSMS   TwoFactorMethod = "sms"
	TwoFactorEmail TwoFactorMethod = "email"
)

// TrustedDevice is a device the account has registered.
type TrustedDevice struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Trusted    bool      `json:"trusted"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// BadgeTier is the human-readable band for a score.
type BadgeTier string

const (
	BadgeStrong BadgeTier = "STRONG"
	BadgeGood   BadgeTier = "GOOD"
	BadgeFair   BadgeTier = "FAIR"
	BadgeWeak   BadgeTier = "WEAK"
)

// BadgeFor maps a clamped score to its tier.
func BadgeFor(score int) BadgeTier {
	switch {
	case score >= 80:
		return BadgeStrong
	case score >= 60:
		return BadgeGood
	case score >= 40:
		return BadgeFair
	default:
		return BadgeWeak
	}
}

// Profile is the per-account security state.
//
// Invariants:
//   - Score is always clamped to [0,100]
//   - LockedOut can only be cleared by an explicit unlock action, never by
//     score recomputation alone
type Profile struct {
	AccountID            domain.AccountID `json:"account_id"`
	TwoFactorEnabled     bool             `json:"two_factor_enabled"`
	TwoFactorMethod      TwoFactorMethod  `json:"two_factor_method,omitempty"`
	BackupCodesGenerated bool             `json:"backup_codes_generated"`
	FailedLogins         int              `json:"consecutive_failed_logins"`
	LockedOut            bool             `json:"locked_out"`
	Score                int              `json:"score"`
	Badge                BadgeTier        `json:"badge"`
	TrustedDevices       []TrustedDevice  `json:"trusted_devices,omitempty"`
	AllowlistedIPs       []string         `json:"allowlisted_ips,omitempty"`

	// LastSeq is the highest audit sequence id applied to this profile.
	// Entries at or below it are replay duplicates and are skipped.
	LastSeq   audit.Seq `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProfile creates the zero profile for an account on first reference.
func NewProfile(accountID domain.AccountID) *Profile {
	return &Profile{AccountID: accountID, Badge: BadgeWeak}
}

// AllDevicesTrusted reports whether the account has devices and every one of
// them is marked trusted.
func (p *Profile) AllDevicesTrusted() bool {
	if len(p.TrustedDevices) == 0 {
		return false
	}
	for _, d := range p.TrustedDevices {
		if !d.Trusted {
			return false
		}
	}
	return true
}

// HasAllowlistedIP reports whether ip is on the profile's allow-list.
func (p *Profile) HasAllowlistedIP(ip string) bool {
	for _, a := range p.AllowlistedIPs {
		if a == ip {
			return true
		}
	}
	return false
}

// EventType classifies a derived incident.
type EventType string

const (
	EventFailedLogin         EventType = "failed_login"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventUnauthorizedAccess  EventType = "unauthorized_access"
	EventAccountLocked       EventType = "account_locked"
)

// EventStatus is the lifecycle state of a security event.
type EventStatus string

const (
	StatusActive        EventStatus = "active"
	StatusAcknowledged  EventStatus = "acknowledged"
	StatusResolved      EventStatus = "resolved"
	StatusFalsePositive EventStatus = "false_positive"
)

// IsTerminal reports whether no transition leaves this status.
func (s EventStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// CanTransitionTo implements the closed transition table:
// active → acknowledged | resolved | false_positive;
// acknowledged → resolved | false_positive.
func (s EventStatus) CanTransitionTo(target EventStatus) bool {
	switch s {
	case StatusActive:
		return target == StatusAcknowledged || target == StatusResolved || target == StatusFalsePositive
	case StatusAcknowledged:
		return target == StatusResolved || target == StatusFalsePositive
	default:
		return false
	}
}

// Event is a derived security incident.
//
// Invariants:
//   - ResolvedAt/ResolvedBy are set iff status is resolved or false_positive
//   - Evidence is non-empty for every event; an event with no underlying
//     audit entries cannot exist
type Event struct {
	ID          domain.SecurityEventID `json:"id"`
	Type        EventType              `json:"type"`
	Severity    audit.Severity         `json:"severity"`
	AccountID   domain.AccountID       `json:"account_id,omitempty"`
	Description string                 `json:"description"`
	Origin      audit.Origin           `json:"origin"`
	Status      EventStatus            `json:"status"`
	ResolvedBy  domain.AccountID       `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
	Evidence    []audit.Seq            `json:"evidence"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// CanTransition checks the status transition, returning InvalidTransition
// with the violated rule when it is not allowed.
func (e *Event) CanTransition(target EventStatus) error {
	if e.Status.IsTerminal() {
		return dErrors.Newf(dErrors.CodeInvalidTransition,
			"event is already %s; terminal states cannot transition", e.Status)
	}
	if !e.Status.CanTransitionTo(target) {
		return dErrors.Newf(dErrors.CodeInvalidTransition,
			"cannot transition event from %s to %s", e.Status, target)
	}
	return nil
}

// ApplyAcknowledge moves the event to acknowledged. Call CanTransition first.
func (e *Event) ApplyAcknowledge(now time.Time) {
	e.Status = StatusAcknowledged
	e.UpdatedAt = now
}

// ApplyResolution terminalizes the event, recording the resolver identity
// and resolution time as the invariant requires.
func (e *Event) ApplyResolution(target EventStatus, resolver domain.AccountID, now time.Time) {
	e.Status = target
	e.ResolvedBy = resolver
	resolvedAt := now
	e.ResolvedAt = &resolvedAt
	e.UpdatedAt = now
}

// AppendEvidence adds sequence ids, skipping duplicates so replays are
// idempotent.
func (e *Event) AppendEvidence(seqs ...audit.Seq) {
	for _, seq := range seqs {
		exists := false
		for _, have := range e.Evidence {
			if have == seq {
				exists = true
				break
			}
		}
		if !exists {
			e.Evidence = append(e.Evidence, seq)
		}
	}
}
