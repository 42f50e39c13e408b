package handler

import (
	"strconv"
	"strings"
	"time"

	"vigil/internal/audit"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
)

// RecordRequest is the HTTP request body for POST /audit-events.
type RecordRequest struct {
	Actor struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"actor"`
	Action     string `json:"action"`
	ActionType string `json:"action_type"`
	Resource   struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"resource"`
	Outcome string `json:"outcome"`
	Origin  struct {
		IP        string `json:"ip"`
		UserAgent string `json:"user_agent"`
		SessionID string `json:"session_id"`
		Geo       string `json:"geo"`
	} `json:"origin"`
	Detail   string            `json:"detail"`
	Metadata map[string]string `json:"metadata"`

	// Populated by Validate.
	parsed audit.RawEvent
}

// Validate validates and parses the request. Field-level completeness is the
// service's job; this only rejects values that cannot be represented.
func (r *RecordRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}

	actionType := audit.ActionType(strings.TrimSpace(r.ActionType))
	if r.ActionType != "" && !actionType.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown action_type %q", r.ActionType)
	}
	outcome := audit.Outcome(strings.TrimSpace(r.Outcome))
	if r.Outcome != "" && !outcome.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown outcome %q", r.Outcome)
	}

	r.parsed = audit.RawEvent{
		Actor: audit.Actor{
			ID:   domain.AccountID(strings.TrimSpace(r.Actor.ID)),
			Name: strings.TrimSpace(r.Actor.Name),
			Role: strings.TrimSpace(r.Actor.Role),
		},
		Action:     strings.TrimSpace(r.Action),
		ActionType: actionType,
		Resource:   audit.Resource{Type: strings.TrimSpace(r.Resource.Type), ID: strings.TrimSpace(r.Resource.ID)},
		Outcome: outcome,
		Origin: audit.Origin{
			IP:        strings.TrimSpace(r.Origin.IP),
			UserAgent: r.Origin.UserAgent,
			SessionID: r.Origin.SessionID,
			Geo:       r.Origin.Geo,
		},
		Detail:   r.Detail,
		Metadata: r.Metadata,
	}
	return nil
}

// Parsed returns the domain event built by Validate.
func (r *RecordRequest) Parsed() audit.RawEvent {
	return r.parsed
}

// parseFilter builds an audit.Filter from query parameters.
func parseFilter(query map[string][]string) (audit.Filter, error) {
	get := func(key string) string {
		if vs := query[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}

	var filter audit.Filter
	if v := get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, dErrors.New(dErrors.CodeValidation, "from must be RFC 3339")
		}
		filter.From = t
	}
	if v := get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, dErrors.New(dErrors.CodeValidation, "to must be RFC 3339")
		}
		filter.To = t
	}
	filter.ActorID = domain.AccountID(get("actor"))
	if v := get("actionType"); v != "" {
		actionType := audit.ActionType(v)
		if !actionType.IsValid() {
			return filter, dErrors.Newf(dErrors.CodeValidation, "unknown actionType %q", v)
		}
		filter.ActionType = actionType
	}
	if v := get("status"); v != "" {
		outcome := audit.Outcome(v)
		if !outcome.IsValid() {
			return filter, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", v)
		}
		filter.Outcome = outcome
	}
	if v := get("severity"); v != "" {
		severity := audit.Severity(v)
		if !severity.IsValid() {
			return filter, dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", v)
		}
		filter.Severity = severity
	}
	if v := get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return filter, dErrors.New(dErrors.CodeValidation, "page must be a positive integer")
		}
		filter.Page = page
	}
	if v := get("pageSize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return filter, dErrors.New(dErrors.CodeValidation, "pageSize must be a positive integer")
		}
		filter.PageSize = size
	}
	return filter, nil
}
