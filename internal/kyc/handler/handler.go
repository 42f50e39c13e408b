// Package handler exposes the KYC submission and review API.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vigil/internal/kyc"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/httputil"
	"vigil/pkg/requestcontext"
)

// Service defines the workflow operations the handler needs.
type Service interface {
	UploadDocument(ctx context.Context, accountID domain.AccountID, applicant kyc.Applicant, upload kyc.DocumentUpload) (*kyc.Submission, error)
	Get(ctx context.Context, id domain.SubmissionID) (*kyc.Submission, error)
	List(ctx context.Context, filter kyc.Filter) ([]*kyc.Submission, error)
	Decide(ctx context.Context, id domain.SubmissionID, target kyc.Status, notes string) (*kyc.Submission, error)
	DecideDocument(ctx context.Context, id domain.SubmissionID, docID domain.DocumentID, status kyc.DocumentStatus, reason string) (*kyc.Submission, error)
}

// Handler wires the KYC endpoints to the workflow service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a KYC handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the KYC endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/kyc-submissions", h.HandleList)
	r.Get("/kyc-submissions/{id}", h.HandleGet)
	r.Post("/kyc-submissions/documents", h.HandleUpload)
	r.Post("/kyc-submissions/{id}/decision", h.HandleDecide)
	r.Post("/kyc-submissions/{id}/documents/{docId}/decision", h.HandleDecideDocument)
}

// UploadRequest is the HTTP request body for POST /kyc-submissions/documents.
type UploadRequest struct {
	AccountID string        `json:"account_id"`
	Applicant kyc.Applicant `json:"applicant"`
	Document  struct {
		Type       string `json:"type"`
		Filename   string `json:"filename"`
		ContentRef string `json:"content_ref"`
	} `json:"document"`
}

// Validate validates the upload request.
func (r *UploadRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return dErrors.New(dErrors.CodeValidation, "account_id is required")
	}
	return nil
}

// HandleUpload handles POST /kyc-submissions/documents requests.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[UploadRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	submission, err := h.service.UploadDocument(ctx, domain.AccountID(strings.TrimSpace(req.AccountID)), req.Applicant, kyc.DocumentUpload{
		Type:       req.Document.Type,
		Filename:   req.Document.Filename,
		ContentRef: req.Document.ContentRef,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "kyc document upload rejected",
			"request_id", requestID,
			"account", req.AccountID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, submission)
}

// HandleList handles GET /kyc-submissions requests.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := kyc.Filter{
		Status:    kyc.Status(r.URL.Query().Get("status")),
		RiskLevel: kyc.RiskLevel(r.URL.Query().Get("riskLevel")),
	}
	submissions, err := h.service.List(ctx, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if submissions == nil {
		submissions = []*kyc.Submission{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"submissions": submissions})
}

// HandleGet handles GET /kyc-submissions/{id} requests.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	submission, err := h.service.Get(r.Context(), domain.SubmissionID(chi.URLParam(r, "id")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, submission)
}

// DecisionRequest is the HTTP request body for submission decisions.
type DecisionRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// Validate validates the decision request.
func (r *DecisionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if strings.TrimSpace(r.Status) == "" {
		return dErrors.New(dErrors.CodeValidation, "status is required")
	}
	return nil
}

// HandleDecide handles POST /kyc-submissions/{id}/decision requests.
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	id := domain.SubmissionID(chi.URLParam(r, "id"))

	req, ok := httputil.DecodeAndPrepare[DecisionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	submission, err := h.service.Decide(ctx, id, kyc.Status(req.Status), req.Notes)
	if err != nil {
		h.logger.WarnContext(ctx, "kyc decision rejected",
			"request_id", requestID,
			"submission", id.String(),
			"status", req.Status,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, submission)
}

// DocumentDecisionRequest is the HTTP request body for document decisions.
type DocumentDecisionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Validate validates the document decision request.
func (r *DocumentDecisionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if strings.TrimSpace(r.Status) == "" {
		return dErrors.New(dErrors.CodeValidation, "status is required")
	}
	return nil
}

// HandleDecideDocument handles POST
// /kyc-submissions/{id}/documents/{docId}/decision requests.
func (h *Handler) HandleDecideDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	id := domain.SubmissionID(chi.URLParam(r, "id"))
	docID := domain.DocumentID(chi.URLParam(r, "docId"))

	req, ok := httputil.DecodeAndPrepare[DocumentDecisionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	submission, err := h.service.DecideDocument(ctx, id, docID, kyc.DocumentStatus(req.Status), req.Reason)
	if err != nil {
		h.logger.WarnContext(ctx, "kyc document decision rejected",
			"request_id", requestID,
			"submission", id.String(),
			"document", docID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, submission)
}
