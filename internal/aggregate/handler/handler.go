// Package handler exposes the audit summary API.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vigil/internal/aggregate"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/httputil"
	"vigil/pkg/requestcontext"
)

// Service defines the aggregation operations the handler needs.
type Service interface {
	Query(ctx context.Context, from, to time.Time, groupBy aggregate.GroupBy) (*aggregate.Summary, error)
}

// Handler wires the summary endpoint to the aggregation engine.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a summary handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the summary endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit-summary", h.HandleSummary)
}

// HandleSummary handles GET /audit-summary requests. The range parameter is
// either "today", "7d"/"30d"-style day counts, or "from,to" as two RFC 3339
// dates.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := parseRange(r.URL.Query().Get("range"), requestcontext.Now(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	groupBy := aggregate.GroupBy(r.URL.Query().Get("groupBy"))

	summary, err := h.service.Query(ctx, from, to, groupBy)
	if err != nil {
		h.logger.ErrorContext(ctx, "summary query failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func parseRange(raw string, now time.Time) (from, to time.Time, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == "today":
		return now, now, nil
	case strings.HasSuffix(raw, "d"):
		days, convErr := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if convErr != nil || days < 1 {
			return from, to, dErrors.Newf(dErrors.CodeValidation, "invalid range %q", raw)
		}
		return now.AddDate(0, 0, -(days - 1)), now, nil
	case strings.Contains(raw, ","):
		parts := strings.SplitN(raw, ",", 2)
		from, err = time.Parse("2006-01-02", strings.TrimSpace(parts[0]))
		if err != nil {
			return from, to, dErrors.New(dErrors.CodeValidation, "range start must be a 2006-01-02 date")
		}
		to, err = time.Parse("2006-01-02", strings.TrimSpace(parts[1]))
		if err != nil {
			return from, to, dErrors.New(dErrors.CodeValidation, "range end must be a 2006-01-02 date")
		}
		return from, to, nil
	default:
		return from, to, dErrors.Newf(dErrors.CodeValidation, "invalid range %q", raw)
	}
}
