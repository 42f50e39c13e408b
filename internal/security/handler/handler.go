// Package handler exposes the security event lifecycle and account profile
// API.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vigil/internal/audit"
	"vigil/internal/security"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/httputil"
	"vigil/pkg/requestcontext"
)

// EventService defines the correlator operations the handler needs.
type EventService interface {
	List(ctx context.Context, filter security.EventFilter) ([]*security.Event, error)
	Get(ctx context.Context, id domain.SecurityEventID) (*security.Event, error)
	Acknowledge(ctx context.Context, id domain.SecurityEventID) (*security.Event, error)
	Resolve(ctx context.Context, id domain.SecurityEventID) (*security.Event, error)
	MarkFalsePositive(ctx context.Context, id domain.SecurityEventID) (*security.Event, error)
}

// ProfileService defines the scoring operations the handler needs.
type ProfileService interface {
	GetProfile(ctx context.Context, accountID domain.AccountID) (*security.Profile, error)
	Unlock(ctx context.Context, accountID domain.AccountID) (*security.Profile, error)
}

// Handler wires the security endpoints to the correlator and scoring
// services.
type Handler struct {
	events   EventService
	profiles ProfileService
	logger   *slog.Logger
}

// New constructs a security handler with its dependencies.
func New(events EventService, profiles ProfileService, logger *slog.Logger) *Handler {
	return &Handler{events: events, profiles: profiles, logger: logger}
}

// Register mounts the security endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/security-events", h.HandleList)
	r.Get("/security-events/{id}", h.HandleGet)
	r.Post("/security-events/{id}/acknowledge", h.HandleAcknowledge)
	r.Post("/security-events/{id}/resolve", h.HandleResolve)
	r.Post("/security-events/{id}/mark-false-positive", h.HandleMarkFalsePositive)
	r.Get("/accounts/{id}/security-profile", h.HandleProfile)
	r.Post("/accounts/{id}/unlock", h.HandleUnlock)
}

// HandleList handles GET /security-events requests.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter security.EventFilter
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = security.EventStatus(v)
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		severity := audit.Severity(v)
		if !severity.IsValid() {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", v))
			return
		}
		filter.Severity = severity
	}

	events, err := h.events.List(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "security event list failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if events == nil {
		events = []*security.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// HandleGet handles GET /security-events/{id} requests.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.Get(r.Context(), domain.SecurityEventID(chi.URLParam(r, "id")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

// HandleAcknowledge handles POST /security-events/{id}/acknowledge requests.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.events.Acknowledge)
}

// HandleResolve handles POST /security-events/{id}/resolve requests.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.events.Resolve)
}

// HandleMarkFalsePositive handles POST /security-events/{id}/mark-false-positive
// requests.
func (h *Handler) HandleMarkFalsePositive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.events.MarkFalsePositive)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.SecurityEventID) (*security.Event, error)) {
	ctx := r.Context()
	id := domain.SecurityEventID(chi.URLParam(r, "id"))

	event, err := op(ctx, id)
	if err != nil {
		h.logger.WarnContext(ctx, "security event transition rejected",
			"request_id", requestcontext.RequestID(ctx),
			"event", id.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

// HandleProfile handles GET /accounts/{id}/security-profile requests.
func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.GetProfile(r.Context(), domain.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}

// HandleUnlock handles POST /accounts/{id}/unlock requests.
func (h *Handler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := domain.AccountID(chi.URLParam(r, "id"))

	profile, err := h.profiles.Unlock(ctx, accountID)
	if err != nil {
		h.logger.WarnContext(ctx, "account unlock rejected",
			"request_id", requestcontext.RequestID(ctx),
			"account", accountID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}
