// Package handler exposes the ingestion and query API for the audit log.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vigil/internal/audit"
	"vigil/pkg/platform/httputil"
	"vigil/pkg/requestcontext"
)

// Service defines the audit operations the handler needs.
type Service interface {
	RecordFromContext(ctx context.Context, raw audit.RawEvent) (audit.Entry, error)
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, int, error)
}

// Handler wires the audit endpoints to the ingest service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an audit handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts audit endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/audit-events", h.HandleRecord)
	r.Get("/audit-events", h.HandleQuery)
}

// HandleRecord handles POST /audit-events requests.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[RecordRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	entry, err := h.service.RecordFromContext(ctx, req.Parsed())
	if err != nil {
		h.logger.ErrorContext(ctx, "audit ingestion failed",
			"request_id", requestID,
			"action", req.Action,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "audit entry recorded",
		"request_id", requestID,
		"seq", uint64(entry.Seq),
		"severity", string(entry.Severity),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, entry)
}

// QueryResponse is the paginated body for GET /audit-events.
type QueryResponse struct {
	Entries  []audit.Entry `json:"entries"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// HandleQuery handles GET /audit-events requests.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entries, total, err := h.service.Query(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	_, pageSize := filter.Bounds()
	if entries == nil {
		entries = []audit.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, QueryResponse{
		Entries:  entries,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}
