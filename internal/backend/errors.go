package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetwork wraps transport failures; they are retried
	ErrNetwork = errors.New("backend unreachable")

	// errNotSent marks transport failures that happened before the request
	// was written, so the server cannot have acted on it
	errNotSent = errors.New("request not sent")

	// ErrNotReady means a transcription does not exist yet; the job is still processing
	ErrNotReady = errors.New("transcription not ready")
)

// APIError is a non-2xx response. Message is the server's own text.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsStatus reports whether err is an APIError with the given status
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// errorMessage pulls the human-readable message out of an error body.
// Common JSON shapes are unwrapped; anything else is returned as text.
func errorMessage(status int, body []byte) string {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		if len(shaped.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			var flat string
			switch {
			case json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "":
				return nested.Message
			case json.Unmarshal(shaped.Error, &flat) == nil && flat != "":
				return flat
			}
		}
		if shaped.Message != "" {
			return shaped.Message
		}
		if shaped.Detail != "" {
			return shaped.Detail
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
