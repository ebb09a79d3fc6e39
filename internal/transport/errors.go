package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, transport.ErrThrottled).
var (
	ErrBadRequest  = errors.New("transport: bad request")
	ErrAuth        = errors.New("transport: unauthorized")
	ErrNotFound    = errors.New("transport: not found")
	ErrConflict    = errors.New("transport: conflict")
	ErrThrottled   = errors.New("transport: throttled")
	ErrServerError = errors.New("transport: server error")
)

// HTTPError wraps a sentinel with the response's status code, request id
// and body, for debugging.
type HTTPError struct {
	StatusCode int
	RequestID  string
	Message    string
	RetryAfter int // seconds, only meaningful when Err is ErrThrottled
	Err        error
}

func (e *HTTPError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status code to a sentinel error. Returns
// nil for 2xx success.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be
// retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
