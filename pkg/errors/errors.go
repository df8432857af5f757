// Package errors defines unified error types for the orchestration layer.
// Backend, transport, and tool faults are mapped to these standard types so
// callers can classify them without inspecting provider-specific payloads.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// OrchestratorError is a standardized error carrying enough information for
// handling, logging, and client responses.
type OrchestratorError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Component  string `json:"component"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("[%s] %s (component=%s, code=%d)",
		e.Type, e.Message, e.Component, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *OrchestratorError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error taxonomy. Each class maps to one branch of the propagation policy:
// component-local faults become structured events, turn-level faults
// terminate the stream.
const (
	TypeValidation         = "validation_error"
	TypeBackendUnavailable = "backend_unavailable"
	TypeToolArgument       = "tool_argument_error"
	TypeToolTransport      = "tool_transport_error"
	TypeCapabilityMismatch = "capability_mismatch"
	TypeRateLimit          = "rate_limit_error"
	TypeSessionExpired     = "session_expired"
	TypeToolNotFound       = "tool_not_found"
	TypeInternal           = "internal_error"
)

// NewValidationError creates a malformed-request error (400). Never retried.
func NewValidationError(component, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeValidation,
		Component:  component,
		Retryable:  false,
	}
}

// NewBackendUnavailableError creates an inference-backend-unreachable
// error (503). Terminates the turn.
func NewBackendUnavailableError(component, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeBackendUnavailable,
		Component:  component,
		Retryable:  true,
	}
}

// NewToolArgumentError creates a malformed-arguments error for a single
// tool call (400). Sibling calls are unaffected.
func NewToolArgumentError(toolName, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeToolArgument,
		Component:  "tool:" + toolName,
		Retryable:  false,
	}
}

// NewToolTransportError creates a connection/protocol fault for a tool
// server (503). Retryable only when the underlying fault is
// rate-limit-class; the caller sets retryable accordingly.
func NewToolTransportError(serverName, message string, retryable bool) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeToolTransport,
		Component:  "server:" + serverName,
		Retryable:  retryable,
	}
}

// NewCapabilityMismatchError signals the model does not support tool
// calling. Triggers the one-shot retry-without-tools fallback.
func NewCapabilityMismatchError(model, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeCapabilityMismatch,
		Component:  "model:" + model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate-limit error (429). Retryable with backoff.
func NewRateLimitError(component, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Component:  component,
		Retryable:  true,
	}
}

// NewSessionExpiredError creates a session-expiry error (401). Surfaced as
// connection failure, no automatic re-authentication.
func NewSessionExpiredError(component, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeSessionExpired,
		Component:  component,
		Retryable:  false,
	}
}

// NewToolNotFoundError creates a tool-not-found error (404).
func NewToolNotFoundError(toolName string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusNotFound,
		Message:    "tool not found: " + toolName,
		Type:       TypeToolNotFound,
		Component:  "registry",
		Retryable:  false,
	}
}

// NewInternalError creates an internal error (500).
func NewInternalError(component, message string) *OrchestratorError {
	return &OrchestratorError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternal,
		Component:  component,
		Retryable:  false,
	}
}

// IsRetryable reports whether err is an OrchestratorError marked retryable.
func IsRetryable(err error) bool {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// IsType reports whether err is an OrchestratorError of the given type.
func IsType(err error, errType string) bool {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Type == errType
	}
	return false
}
