// Package domain provides the gateway's core records and canonical error types.
package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeAuthentication indicates a missing, invalid, expired or
	// audience-mismatched token.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeRateLimit indicates the caller's quota window is exhausted.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeMethodNotAllowed indicates the proxy does not relay the method.
	ErrorTypeMethodNotAllowed ErrorType = "method_not_allowed"

	// ErrorTypeBackendTimeout indicates the backend did not answer in time.
	ErrorTypeBackendTimeout ErrorType = "backend_timeout"

	// ErrorTypeBackendUnavailable indicates the backend could not be reached
	// or failed while answering.
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// APIError is the canonical error shape written to clients as
// {"detail": ...}.
type APIError struct {
	Type    ErrorType
	Message string

	// ResetAt is the epoch second at which a rate-limited caller may retry.
	ResetAt int64

	// StatusCode overrides the status derived from Type.
	StatusCode int

	// Err is the underlying failure. It is logged and audited but never
	// written to the client.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying failure.
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrorTypeBackendTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MarshalJSON renders the client-facing body.
func (e *APIError) MarshalJSON() ([]byte, error) {
	if e.Type == ErrorTypeRateLimit {
		return json.Marshal(struct {
			Detail  string `json:"detail"`
			ResetAt int64  `json:"reset_at"`
		}{e.Message, e.ResetAt})
	}
	return json.Marshal(struct {
		Detail string `json:"detail"`
	}{e.Message})
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying failure.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

// Convenience constructors for common errors

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrRateLimit creates a rate limit error carrying the window reset time.
func ErrRateLimit(resetAt int64) *APIError {
	e := NewAPIError(ErrorTypeRateLimit, "Rate limit exceeded")
	e.ResetAt = resetAt
	return e
}

// ErrMethodNotAllowed creates an unsupported method error.
func ErrMethodNotAllowed() *APIError {
	return NewAPIError(ErrorTypeMethodNotAllowed, "Method not allowed")
}

// ErrBackendTimeout creates a backend timeout error.
func ErrBackendTimeout() *APIError {
	return NewAPIError(ErrorTypeBackendTimeout, "Ollama timeout")
}

// ErrBackendUnavailable creates a backend error that includes the underlying
// failure for diagnosability.
func ErrBackendUnavailable(cause error) *APIError {
	return NewAPIError(ErrorTypeBackendUnavailable, "Ollama error: "+cause.Error())
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
