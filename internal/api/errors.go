package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/doravidan/vibing2-sub003/internal/builder"
	"github.com/doravidan/vibing2-sub003/internal/bus"
	"github.com/doravidan/vibing2-sub003/internal/invoker"
	"github.com/doravidan/vibing2-sub003/internal/registry"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/workflow"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeValidation     = "validation_failed"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key holding the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnprocessableEntity:
		return ErrCodeValidation
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runstore.ErrWorkflowNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, templates.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, runstore.ErrWorkflowExists),
		errors.Is(err, registry.ErrAgentExists),
		errors.Is(err, templates.ErrTemplateExists),
		errors.Is(err, workflow.ErrNotStartable),
		errors.Is(err, workflow.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, bus.ErrNoTarget):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, builder.ErrInvalidParams),
		errors.Is(err, builder.ErrInvalidTemplate),
		errors.Is(err, invoker.ErrInvalidAgent),
		errors.Is(err, registry.ErrInvalidAgent):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, details any) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{
		Code:      HTTPStatusToErrorCode(status),
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}
