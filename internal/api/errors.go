package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/blueprint-engine/internal/archive"
	"github.com/flexinfer/blueprint-engine/internal/auth"
	"github.com/flexinfer/blueprint-engine/internal/blueprintstore"
	"github.com/flexinfer/blueprint-engine/internal/registry"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/internal/scheduler"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Error codes for consistent error identification.
const (
	ErrCodeAuthRequired     = "auth_required"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeConflict         = "conflict"
	ErrCodeValidation       = "validation_failed"
	ErrCodeMutationRejected = "mutation_rejected"
	ErrCodeInvalidApproval  = "invalid_approval"
	ErrCodeInternalError    = "internal_error"
	ErrCodeServiceUnavail   = "service_unavailable"
	ErrCodeNotImplemented   = "not_implemented"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string `json:"error"`             // Human-readable message
	Code      string `json:"code"`              // Short error code
	Details   any    `json:"details,omitempty"` // Validation errors or rejection reasons
	RequestID string `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
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
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusUnprocessableEntity:
		return ErrCodeValidation
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	case http.StatusNotImplemented:
		return ErrCodeNotImplemented
	default:
		return ErrCodeInternalError
	}
}

// classify maps a domain error to a status, code and details payload.
func classify(err error) (int, string, any) {
	var (
		verrs types.ValidationErrors
		verr  types.ValidationError
		mrej  *types.MutationRejected
	)
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity, ErrCodeValidation, []types.ValidationError(verrs)
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, ErrCodeValidation, []types.ValidationError{verr}
	case errors.As(err, &mrej):
		return http.StatusUnprocessableEntity, ErrCodeMutationRejected, mrej.Reasons
	case errors.Is(err, runstore.ErrRunNotFound),
		errors.Is(err, runstore.ErrNodeNotFound),
		errors.Is(err, blueprintstore.ErrBlueprintNotFound),
		errors.Is(err, blueprintstore.ErrVersionNotFound),
		errors.Is(err, registry.ErrToolNotFound),
		errors.Is(err, archive.ErrNotArchived):
		return http.StatusNotFound, ErrCodeNotFound, nil
	case errors.Is(err, blueprintstore.ErrBlueprintExists),
		errors.Is(err, blueprintstore.ErrNoDraft),
		errors.Is(err, scheduler.ErrRunFinished),
		errors.Is(err, scheduler.ErrNotWaiting),
		errors.Is(err, auth.ErrApprovalUsed):
		return http.StatusConflict, ErrCodeConflict, nil
	case errors.Is(err, archive.ErrNoDownload):
		return http.StatusNotImplemented, ErrCodeNotImplemented, nil
	case errors.Is(err, blueprintstore.ErrNotPublished),
		errors.Is(err, blueprintstore.ErrInvalidVersion),
		errors.Is(err, scheduler.ErrNoTrigger):
		return http.StatusUnprocessableEntity, ErrCodeBadRequest, nil
	case errors.Is(err, auth.ErrInvalidApproval):
		return http.StatusUnauthorized, ErrCodeInvalidApproval, nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeServiceUnavail, nil
	}
	return http.StatusInternalServerError, ErrCodeInternalError, nil
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		Code:      code,
		Details:   details,
		RequestID: requestID,
	})
}
