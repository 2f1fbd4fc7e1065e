package apiclient

import (
	"errors"
	"fmt"
	"net/http"

	httpclient "github.com/sokoni/sokoni-client/internal/platform/http/client"
)

var (
	// ErrUnauthorized matches a 401 that was not resolved by a refresh,
	// e.g. a replayed request rejected again.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden matches a 403. No refresh is attempted for it.
	ErrForbidden = errors.New("forbidden")

	// ErrClientError matches any other 4xx.
	ErrClientError = errors.New("client error")

	// ErrServerError matches any 5xx.
	ErrServerError = errors.New("server error")

	// ErrSessionExpired is returned when the refresh token is missing or the
	// refresh endpoint rejected it. Stored credentials have been cleared.
	ErrSessionExpired = errors.New("session expired")
)

// StatusError is a non-2xx response passed through to the caller.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	// Message is the server's "message" field when the body carried one.
	Message string
	Body    []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// Is maps the status code onto the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrClientError:
		return e.StatusCode >= 400 && e.StatusCode < 500
	case ErrServerError:
		return e.StatusCode >= 500
	}
	return false
}

// TransportError is a failure to get any response (connection, timeout,
// redirect policy, oversized body). It is never retried.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the transport gave up on a deadline.
func (e *TransportError) Timeout() bool { return httpclient.IsTimeout(e.Err) }

// sessionExpired wraps cause so callers can match ErrSessionExpired and still
// see why the refresh failed.
func sessionExpired(cause error) error {
	if cause == nil {
		return ErrSessionExpired
	}
	return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
}
