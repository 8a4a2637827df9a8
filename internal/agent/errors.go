package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes why a model exchange failed. The kind drives the
// run retry policy: transient kinds are retried with backoff, request kinds
// surface immediately.
type ErrorKind string

const (
	// KindRateLimited indicates the provider rejected the request for rate
	// limiting (HTTP 429).
	KindRateLimited ErrorKind = "rate_limited"

	// KindOverloaded indicates server-side overload or a 5xx failure.
	KindOverloaded ErrorKind = "overloaded"

	// KindNetworkFailure indicates a transport-level failure.
	KindNetworkFailure ErrorKind = "network_failure"

	// KindInvalidRequest indicates a malformed request (HTTP 400).
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindAuthFailure indicates an authentication failure (HTTP 401, 403).
	KindAuthFailure ErrorKind = "auth_failure"

	// KindCancelled indicates cooperative cancellation, not a failure.
	KindCancelled ErrorKind = "cancelled"

	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable reports whether retrying the run may succeed.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindRateLimited, KindOverloaded, KindNetworkFailure:
		return true
	default:
		return false
	}
}

// StreamError is a structured failure from a model exchange.
type StreamError struct {
	// Kind categorizes the error for retry decisions.
	Kind ErrorKind

	// Provider is the model client that produced the error.
	Provider string

	// Status is the HTTP status code, if applicable.
	Status int

	// Message is the human-readable detail.
	Message string

	// Cause is the underlying error.
	Cause error
}

func (e *StreamError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// ErrToolLoopExceeded terminates a run that spent its tool round-trip budget.
var ErrToolLoopExceeded = errors.New("agent: tool round-trip budget exceeded")

// RunError reports a failed execution loop run with enough structure for the
// caller to decide on further retries.
type RunError struct {
	AgentID  string
	Kind     ErrorKind
	Attempts int
	Cause    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent %s: run failed after %d attempt(s): [%s] %v", e.AgentID, e.Attempts, e.Kind, e.Cause)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// ErrorKindOf classifies an arbitrary error into an ErrorKind. Structured
// StreamErrors carry their own kind; everything else falls back to message
// heuristics the way raw SDK and transport errors arrive.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return KindRateLimited
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "server error") ||
		strings.Contains(msg, "internal server") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "529"):
		return KindOverloaded
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "403"):
		return KindAuthFailure
	case strings.Contains(msg, "invalid request") || strings.Contains(msg, "invalid_request") ||
		strings.Contains(msg, "400"):
		return KindInvalidRequest
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return KindNetworkFailure
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether an error is worth another run attempt.
func IsRetryable(err error) bool {
	return ErrorKindOf(err).IsRetryable()
}
