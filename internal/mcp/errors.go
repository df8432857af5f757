package mcp

import (
	"strings"

	orcherrors "github.com/convoflow/convoflow/pkg/errors"
)

// FaultClass buckets transport faults for the retry policy.
type FaultClass int

const (
	// FaultRetryable covers rate-limit-class faults. Retried with
	// exponential backoff up to the configured attempt budget.
	FaultRetryable FaultClass = iota

	// FaultConfiguration covers precondition and validation failures.
	// Retrying cannot succeed, so these abort immediately.
	FaultConfiguration

	// FaultSession covers expired or invalid sessions. Logged and
	// surfaced as connection failure; no automatic re-authentication.
	FaultSession

	// FaultUnknown covers everything else. Treated as fatal for the
	// attempt but recorded as a generic transport error.
	FaultUnknown
)

// ClassifyFault inspects an error from the MCP library or the wire and
// assigns it to a retry-policy bucket. Classification is by message
// substring because the library surfaces server faults as opaque errors.
func ClassifyFault(err error) FaultClass {
	if err == nil {
		return FaultUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return FaultRetryable
	case strings.Contains(msg, "session expired"),
		strings.Contains(msg, "session not found"),
		strings.Contains(msg, "invalid session"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"):
		return FaultSession
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "validation"),
		strings.Contains(msg, "precondition"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "400"):
		return FaultConfiguration
	default:
		return FaultUnknown
	}
}

// wrapTransportError converts a raw transport fault into the unified error
// taxonomy, preserving the retryability decision from classification.
func wrapTransportError(serverName string, err error) error {
	switch ClassifyFault(err) {
	case FaultRetryable:
		return orcherrors.NewRateLimitError("server:"+serverName, err.Error())
	case FaultSession:
		return orcherrors.NewSessionExpiredError("server:"+serverName, err.Error())
	case FaultConfiguration:
		return orcherrors.NewToolTransportError(serverName, err.Error(), false)
	default:
		return orcherrors.NewToolTransportError(serverName, err.Error(), false)
	}
}
