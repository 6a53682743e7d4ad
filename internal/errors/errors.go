// Package errors provides centralized error definitions and classification
// helpers for the ClaudeBox codebase. It defines the sentinel errors that make
// up the orchestrator's error taxonomy, typed domain errors with context
// wrapping, and helpers that let callers distinguish configuration errors
// (do not retry) from infrastructure errors (retry with backoff).
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrAlreadyRunning) { ... }
//
//	var se *errors.SessionError
//	if errors.As(err, &se) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo Severity = iota
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session lifecycle sentinel errors
var (
	// ErrAlreadyRunning indicates that a live lease exists for the session,
	// held by another process. Recoverable: the caller may wait and retry.
	ErrAlreadyRunning = New("session already running in another process")
	// ErrNotFound indicates that the reconnect or cleanup target does not exist.
	ErrNotFound = New("session not found")
	// ErrCorruptState indicates that session metadata or a lease record could
	// not be read. Sessions in this state are destroyable, never resurrected.
	ErrCorruptState = New("session state corrupted")
	// ErrSessionClosed indicates an operation on a session handle that has
	// already been suspended or destroyed.
	ErrSessionClosed = New("session is closed")
)

// Policy sentinel errors. All fail closed before any sandbox is provisioned.
var (
	// ErrInvalidPolicy indicates that policy resolution or validation failed.
	ErrInvalidPolicy = New("invalid policy")
	// ErrUnknownTemplate indicates a template identifier not in the registry.
	ErrUnknownTemplate = New("unknown template")
	// ErrUnknownSkill indicates a skill identifier not in the registry.
	ErrUnknownSkill = New("unknown skill")
)

// Sandbox sentinel errors
var (
	// ErrProvisionFailure indicates that the isolation primitive failed to
	// provision a sandbox after the configured retry budget was exhausted.
	ErrProvisionFailure = New("sandbox provisioning failed")
	// ErrRuntimeUnavailable indicates the isolation primitive itself is
	// unreachable. Transient: retried locally with bounded backoff.
	ErrRuntimeUnavailable = New("sandbox runtime unavailable")
	// ErrRuntimeRejected indicates the primitive's own policy enforcement
	// rejected an operation. Never retried.
	ErrRuntimeRejected = New("operation rejected by sandbox runtime")
	// ErrSandboxDestroyed indicates an operation on a destroyed sandbox handle.
	ErrSandboxDestroyed = New("sandbox already destroyed")
	// ErrSnapshotUnsupported indicates the runtime cannot suspend/resume;
	// reconnect falls back to reprovisioning against the persisted workspace.
	ErrSnapshotUnsupported = New("runtime does not support snapshots")
)

// Task execution sentinel errors
var (
	// ErrTimeout indicates a task exceeded its deadline. The sandbox is left
	// attached so the caller can inspect or retry.
	ErrTimeout = New("task deadline exceeded")
	// ErrAgentFailed indicates the agent invocation itself failed.
	ErrAgentFailed = New("agent invocation failed")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// SessionError wraps an error with session context.
type SessionError struct {
	SessionID string
	Op        string // lifecycle operation: "start", "reconnect", "cleanup", ...
	Err       error
}

// NewSessionError creates a SessionError wrapping err.
func NewSessionError(op, sessionID string, err error) *SessionError {
	return &SessionError{SessionID: sessionID, Op: op, Err: err}
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s %q: %v", e.Op, e.SessionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error { return e.Err }

// Severity returns the severity of the underlying condition.
func (e *SessionError) Severity() Severity {
	switch {
	case Is(e.Err, ErrCorruptState):
		return SeverityCritical
	case Is(e.Err, ErrAlreadyRunning), Is(e.Err, ErrNotFound):
		return SeverityWarning
	default:
		return SeverityError
	}
}

// SandboxError wraps an error with sandbox context.
type SandboxError struct {
	SandboxID string
	Op        string
	Err       error
}

// NewSandboxError creates a SandboxError wrapping err.
func NewSandboxError(op, sandboxID string, err error) *SandboxError {
	return &SandboxError{SandboxID: sandboxID, Op: op, Err: err}
}

func (e *SandboxError) Error() string {
	if e.SandboxID == "" {
		return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sandbox %s %q: %v", e.Op, e.SandboxID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SandboxError) Unwrap() error { return e.Err }

// PolicyError carries the individual validation failures from a failed
// policy resolution. It always matches ErrInvalidPolicy.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("invalid policy: %s", e.Violations[0])
	}
	return fmt.Sprintf("invalid policy: %d violations", len(e.Violations))
}

// Is reports whether target is ErrInvalidPolicy.
func (e *PolicyError) Is(target error) bool { return target == ErrInvalidPolicy }

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error represents a transient condition that
// may succeed on retry. Policy and configuration errors are never retryable;
// upstream retry logic must not mask them.
func IsRetryable(err error) bool {
	switch {
	case Is(err, ErrRuntimeUnavailable):
		return true
	case Is(err, ErrAlreadyRunning):
		// Lock contention clears when the holder releases or its lease expires.
		return true
	case Is(err, ErrInvalidPolicy), Is(err, ErrUnknownTemplate), Is(err, ErrUnknownSkill):
		return false
	case Is(err, ErrRuntimeRejected), Is(err, ErrNotFound), Is(err, ErrCorruptState):
		return false
	default:
		return false
	}
}

// IsConfiguration reports whether the error is a caller configuration error
// that fails closed before any sandbox resources are acquired.
func IsConfiguration(err error) bool {
	return Is(err, ErrInvalidPolicy) || Is(err, ErrUnknownTemplate) || Is(err, ErrUnknownSkill)
}
