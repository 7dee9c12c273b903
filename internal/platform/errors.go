package platform

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingID is returned, wrapped with the parameter name, when a required
// identifier is empty. No request is issued in that case.
var ErrMissingID = errors.New("platform: id is required")

// APIError is returned when the platform answers with a non-2xx status.
// Body holds the decoded JSON response, or nil when the body was not JSON.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Body       any
}

func (e *APIError) Error() string {
	msg := bodyMessage(e.Body)
	if msg == "" {
		return fmt.Sprintf("platform: %s %s returned status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("platform: %s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// TimeoutError is returned when a request does not complete within the
// client's timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("platform: request to %s timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// ParseError is returned when a successful response cannot be decoded into
// the expected envelope.
type ParseError struct {
	StatusCode int
	URL        string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("platform: unable to parse response (status %d) from %s: %v", e.StatusCode, e.URL, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// bodyMessage pulls a human-readable message out of a platform error body.
// The API reports failures as {"message": "..."} or {"error": "..."}.
func bodyMessage(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"message", "error", "errorMessage"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
