// Package audit implements the event ingest and classifier: the single entry
// point through which every privileged administrative or authentication
// action becomes an immutable, sequence-ordered log entry.
package audit

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
)

// ActionType is the closed taxonomy of administrative actions.
type ActionType string

const (
	ActionCreate   ActionType = "create"
	ActionRead     ActionType = "read"
	ActionUpdate   ActionType = "update"
	ActionDelete   ActionType = "delete"
	ActionLogin    ActionType = "login"
	ActionLogout   ActionType = "logout"
	ActionSecurity ActionType = "security"
	ActionSystem   ActionType = "system"
)

// IsValid reports whether the action type is part of the taxonomy.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionLogin, ActionLogout, ActionSecurity, ActionSystem:
		return true
	}
	return false
}

// Outcome is the result of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeWarning Outcome = "warning"
)

// IsValid reports whether the outcome is one of the supported values.
func (o Outcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeFailed || o == OutcomeWarning
}

// Severity is assigned by the classification table, never by callers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether the severity is one of the supported values.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Seq is the strictly increasing, gapless sequence id assigned at append.
type Seq uint64

// Actor identifies who performed the action.
type Actor struct {
	ID   domain.AccountID `json:"id"`
	Name string           `json:"name,omitempty"`
	Role string           `json:"role,omitempty"`
}

// Resource identifies what the action touched.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Origin captures where the action came from. Device is derived from the raw
// user agent by the classifier; Geo comes from the external lookup when
// available.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Geo       string `json:"geo,omitempty"`
	Device    string `json:"device,omitempty"`
}

// Entry is one immutable audit log record. Once appended it is never mutated
// or deleted; sequence ids are never reused.
type Entry struct {
	Seq        Seq               `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      Actor             `json:"actor"`
	Action     string            `json:"action"`
	ActionType ActionType        `json:"action_type"`
	Resource   Resource          `json:"resource"`
	Outcome    Outcome           `json:"outcome"`
	Severity   Severity          `json:"severity"`
	Origin     Origin            `json:"origin"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// ChainHash is blake2b(prev chain hash || canonical entry form). It makes
	// silent mutation of committed entries detectable.
	ChainHash string `json:"chain_hash"`
}

// RawEvent is what callers hand to Record. Severity is deliberately absent:
// it is assigned by the classification table.
type RawEvent struct {
	Actor      Actor             `json:"actor"`
	Action     string            `json:"action"`
	ActionType ActionType        `json:"action_type"`
	Resource   Resource          `json:"resource"`
	Outcome    Outcome           `json:"outcome"`
	Origin     Origin            `json:"origin"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required fields before any state change.
func (r RawEvent) Validate() error {
	var missing []string
	if r.Actor.ID.IsZero() {
		missing = append(missing, "actor.id")
	}
	if strings.TrimSpace(r.Action) == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(r.Resource.Type) == "" {
		missing = append(missing, "resource.type")
	}
	if r.Outcome == "" {
		missing = append(missing, "outcome")
	}
	if len(missing) > 0 {
		return dErrors.Newf(dErrors.CodeValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if !r.ActionType.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown action type %q", r.ActionType)
	}
	if !r.Outcome.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown outcome %q", r.Outcome)
	}
	return nil
}

// severityTable is the deterministic classification of every valid
// (action type, outcome) pair. A pair absent from this table is a
// validation error, not a default.
var severityTable = map[ActionType]map[Outcome]Severity{
	ActionCreate: {
		OutcomeSuccess: SeverityLow,
		OutcomeWarning: SeverityMedium,
		OutcomeFailed:  SeverityMedium,
	},
	ActionRead: {
		OutcomeSuccess: SeverityLow,
		OutcomeWarning: SeverityLow,
		OutcomeFailed:  SeverityMedium,
	},
	ActionUpdate: {
		OutcomeSuccess: SeverityLow,
		OutcomeWarning: SeverityMedium,
		OutcomeFailed:  SeverityMedium,
	},
	ActionDelete: {
		OutcomeSuccess: SeverityMedium,
		OutcomeWarning: SeverityMedium,
		OutcomeFailed:  SeverityHigh,
	},
	ActionLogin: {
		OutcomeSuccess: SeverityLow,
		OutcomeWarning: SeverityMedium,
		OutcomeFailed:  SeverityMedium,
	},
	ActionLogout: {
		OutcomeSuccess: SeverityLow,
		OutcomeWarning: SeverityLow,
		OutcomeFailed:  SeverityMedium,
	},
	ActionSecurity: {
		OutcomeSuccess: SeverityHigh,
		OutcomeWarning: SeverityHigh,
		OutcomeFailed:  SeverityCritical,
	},
	ActionSystem: {
		OutcomeSuccess: SeverityLow,
		OutcomeWarning: SeverityMedium,
		OutcomeFailed:  SeverityHigh,
	},
}

// Classify returns the severity for the pair, or a validation error when the
// pair is not in the table.
func Classify(actionType ActionType, outcome Outcome) (Severity, error) {
	outcomes, ok := severityTable[actionType]
	if !ok {
		return "", dErrors.Newf(dErrors.CodeValidation, "action type %q is not classifiable", actionType)
	}
	severity, ok := outcomes[outcome]
	if !ok {
		return "", dErrors.Newf(dErrors.CodeValidation, "outcome %q is not classifiable for action type %q", outcome, actionType)
	}
	return severity, nil
}

// ChainDigest computes the tamper-evidence hash for an entry given the
// previous entry's chain hash (empty for the first entry). Both log stores
// call this under their append lock.
func ChainDigest(prevHash string, e Entry) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prevHash))

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(e.Seq))
	h.Write(seq[:])

	// Canonical form: stable field order, no map iteration.
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Timestamp.UnixNano(),
		e.Actor.ID, e.Action, e.ActionType,
		e.Resource.Type, e.Resource.ID,
		e.Outcome, e.Severity, e.Detail,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks entries in sequence order and checks each chain hash
// against its predecessor. prevHash is the chain hash of the entry directly
// before the slice (empty when the slice starts at the log head).
func VerifyChain(prevHash string, entries []Entry) error {
	for _, e := range entries {
		want := ChainDigest(prevHash, e)
		if e.ChainHash != want {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "chain hash mismatch at seq %d", e.Seq)
		}
		prevHash = e.ChainHash
	}
	return nil
}
