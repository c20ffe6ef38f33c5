package gamecloud

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError represents a non-2xx response from the upstream API.
type HTTPError struct {
	Operation  string // The operation that failed (e.g., "list_downloads", "pause_download")
	StatusCode int    // HTTP status code returned by the upstream
	Body       string // Response body, truncated
	Err        error  // Underlying error, if any
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request %s failed (HTTP %d): %s", e.Operation, e.StatusCode, e.Body)
	}

	return fmt.Sprintf("request %s failed (HTTP %d)", e.Operation, e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures where no response was received.
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError represents a missing token or a 401/403 response.
type AuthError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed during %s: %v", e.Operation, e.Err)
	}

	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// DecodeError represents a response body that could not be decoded.
type DecodeError struct {
	Operation string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s response: %v", e.Operation, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	return 0
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
