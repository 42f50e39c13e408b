// Package httputil centralizes JSON response and error envelope handling so
// every handler translates domain errors the same way.
package httputil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	dErrors "vigil/pkg/domain-errors"
)

// statusByCode maps domain error codes to HTTP status codes. Validation maps
// to 422 so callers can distinguish semantic rejection from malformed JSON.
var statusByCode = map[dErrors.Code]int{
	dErrors.CodeValidation:         http.StatusUnprocessableEntity,
	dErrors.CodeBadRequest:         http.StatusBadRequest,
	dErrors.CodeInvalidTransition:  http.StatusConflict,
	dErrors.CodeConflict:           http.StatusConflict,
	dErrors.CodeInvariantViolation: http.StatusConflict,
	dErrors.CodeNotFound:           http.StatusNotFound,
	dErrors.CodeUnauthorized:       http.StatusUnauthorized,
	dErrors.CodeTimeout:            http.StatusGatewayTimeout,
	dErrors.CodeStorage:            http.StatusInternalServerError,
	dErrors.CodeInternal:           http.StatusInternalServerError,
}

// WriteJSON encodes v with the given status. Encoding failures are swallowed;
// the status line has already been committed.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the JSON error envelope. The
// reason is omitted for internal and storage errors so infrastructure details
// never leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := map[string]string{"error": string(code)}
	if status < http.StatusInternalServerError {
		if reason := dErrors.Reason(err); reason != "" {
			body["error_description"] = reason
		}
	}
	WriteJSON(w, status, body)
}

// Validatable is implemented by request DTOs that validate and parse
// themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeAndPrepare decodes the JSON body into T and runs its validation.
// On failure it writes the error response itself and returns ok=false, so
// handlers can bail with a bare return.
func DecodeAndPrepare[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	req := new(T)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "failed to decode request body",
				"request_id", requestID,
				"error", err,
			)
		}
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body must be valid JSON"))
		return nil, false
	}
	if v, ok := any(req).(Validatable); ok {
		if err := v.Validate(); err != nil {
			if logger != nil {
				logger.WarnContext(ctx, "request validation failed",
					"request_id", requestID,
					"error", err,
				)
			}
			WriteError(w, err)
			return nil, false
		}
	}
	return req, true
}
