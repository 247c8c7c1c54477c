package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/draft"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/query"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/recording"
)

// Error codes returned in {"error": {"code": ..., "message": ...}}
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeEmptyRecording    = "EMPTY_RECORDING"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeDeviceBusy        = "DEVICE_BUSY"
	CodeNoDevice          = "NO_DEVICE"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodeDraftTooLarge     = "DRAFT_TOO_LARGE"
	CodeStorageFull       = "STORAGE_FULL"
	CodeBackendError      = "BACKEND_ERROR"
	CodeBackendDown       = "BACKEND_UNREACHABLE"
	CodeTimeout           = "TIMEOUT"
	CodeInternalError     = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes an error response in the standard shape
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{Code: code, Message: message},
	})
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps a domain error to a status code and error code
func classify(err error) (int, string) {
	var apiErr *backend.APIError
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest, CodeValidationError
	case errors.Is(err, recording.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, recording.ErrEmptyRecording):
		return http.StatusUnprocessableEntity, CodeEmptyRecording
	case errors.Is(err, recording.ErrNoDraft), errors.Is(err, draft.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, recording.ErrNoDevice):
		return http.StatusConflict, CodeNoDevice
	case errors.Is(err, recording.ErrClosed):
		return http.StatusGone, CodeSessionClosed
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden, CodePermissionDenied
	case errors.Is(err, capture.ErrDeviceBusy):
		return http.StatusConflict, CodeDeviceBusy
	case errors.Is(err, draft.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge, CodeDraftTooLarge
	case errors.Is(err, draft.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, CodeStorageFull
	case errors.Is(err, query.ErrPollTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, backend.ErrNetwork):
		return http.StatusBadGateway, CodeBackendDown
	case errors.As(err, &apiErr):
		// Client errors are the caller's; server errors are the backend's
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode, CodeBackendError
		}
		return http.StatusBadGateway, CodeBackendError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// writeDomainError classifies err and writes it. Backend rejections keep
// their message so the UI can show it verbatim.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)

	message := err.Error()
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}
	writeError(w, status, code, message)
}
