package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds surfaced by the client. Callers branch on these to
// decide between retrying, falling back to another model, or failing.
var (
	// ErrEmptyGeneration means the daemon reported success but produced no
	// text. Treated as a model failure, never masked as success.
	ErrEmptyGeneration = errors.New("backend: empty generation")

	// ErrUnavailable means the daemon could not be reached or is unhealthy.
	ErrUnavailable = errors.New("backend: daemon unavailable")

	// ErrModelNotFound means the requested model is unknown to the daemon.
	ErrModelNotFound = errors.New("backend: model not found")
)

// RequestError wraps a non-retryable daemon rejection (4xx semantics).
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend: request rejected (HTTP %d): %s", e.StatusCode, e.Message)
}

// statusError maps a non-200 daemon response to the client's error taxonomy.
func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusNotFound:
		return ErrModelNotFound
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("backend: server error (HTTP %d)", status)
	default:
		return &RequestError{StatusCode: status, Message: string(body)}
	}
}

// retryable reports whether an error is worth another attempt. Malformed
// requests are not; transport failures and 5xx responses are.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return false
	}
	if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrEmptyGeneration) {
		return false
	}
	return true
}
