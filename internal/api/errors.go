package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tradeflow/tflow/internal/auth"
)

// ErrNetwork is the sentinel for network-level failures.
var ErrNetwork = errors.New("network error")

// ErrNotAuthenticated is returned by operations that need a session when
// none exists.
var ErrNotAuthenticated = errors.New("not authenticated. Run `tflow auth login`")

// Auth failures are defined next to the refresh coordinator and re-exported
// here for callers of the client.
var (
	ErrAuthExpired   = auth.ErrAuthExpired
	ErrRefreshFailed = auth.ErrRefreshFailed
)

// APIError is a non-2xx response from the backend. It is passed through to
// the caller unchanged and never cached.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	return &APIError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Message:    errorMessage(status, body),
	}
}

// errorMessage prefers a JSON message/error field, then the raw body.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

// TransportError is a failure to reach the backend at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrNetwork, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// IsNetworkError returns true if the error is a network connectivity error.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsAuthError reports whether err ended the session.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrRefreshFailed)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
