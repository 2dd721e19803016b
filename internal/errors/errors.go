// Package errors provides the error taxonomy shared by the pipeline, the
// council and the trigger surfaces.
//
// # Error Types
//
// Sentinel errors describe caller-facing contract violations:
//   - ErrInvalidTransition: advancing a terminal or out-of-order run, voting on a decided request
//   - ErrPermissionDenied: the acting role lacks the required capability
//   - ErrNoSession: no authenticated session was supplied
//   - ErrNotFound / ErrConflict / ErrActiveRunExists: storage outcomes
//
// Typed errors describe failures that the pipeline absorbs into step records:
//   - ValidationError: malformed stage input or model output
//   - AdapterError: timeout, quota, auth or upstream failure of the AI capability
//
// # Usage
//
//	if errors.Is(err, errors.ErrInvalidTransition) { ... }
//
//	var vErr *errors.ValidationError
//	if errors.As(err, &vErr) && !vErr.Recoverable { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Caller-facing sentinel errors
var (
	// ErrInvalidTransition indicates an operation that the current state does not allow.
	ErrInvalidTransition = New("invalid transition")
	// ErrPermissionDenied indicates the acting role lacks a capability.
	ErrPermissionDenied = New("permission denied")
	// ErrNoSession indicates the request carried no authenticated session.
	ErrNoSession = New("no session")
	// ErrVotingClosed indicates a vote arrived after the request was decided or its deadline passed.
	ErrVotingClosed = fmt.Errorf("%w: voting closed", ErrInvalidTransition)
)

// Storage sentinel errors
var (
	// ErrNotFound indicates the entity does not exist within the organization.
	ErrNotFound = New("not found")
	// ErrConflict indicates a conditional write lost a race.
	ErrConflict = New("conflicting update")
	// ErrActiveRunExists indicates the SOP already has an active run.
	ErrActiveRunExists = New("sop already has an active run")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// ValidationError reports malformed stage input or model output.
// Recoverable errors become RETRY outcomes; unrecoverable ones block the run.
type ValidationError struct {
	Stage       string
	Field       string
	Message     string
	Recoverable bool
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s (%s): %s", e.Stage, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Stage, e.Message)
}

// NewValidationError creates a recoverable validation error.
func NewValidationError(stage, field, message string) *ValidationError {
	return &ValidationError{Stage: stage, Field: field, Message: message, Recoverable: true}
}

// NewBlockingValidationError creates a validation error that retrying cannot fix.
func NewBlockingValidationError(stage, field, message string) *ValidationError {
	return &ValidationError{Stage: stage, Field: field, Message: message}
}

// AdapterErrorKind classifies AI capability failures
type AdapterErrorKind string

const (
	AdapterTimeout     AdapterErrorKind = "timeout"
	AdapterQuota       AdapterErrorKind = "quota"
	AdapterAuth        AdapterErrorKind = "auth"
	AdapterUnavailable AdapterErrorKind = "unavailable"
	AdapterUpstream    AdapterErrorKind = "upstream"
)

// AdapterError wraps a failure of the AI capability.
type AdapterError struct {
	Kind AdapterErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ai adapter %s", e.Kind)
	}
	return fmt.Sprintf("ai adapter %s: %v", e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError wraps err with the given kind.
func NewAdapterError(kind AdapterErrorKind, err error) *AdapterError {
	return &AdapterError{Kind: kind, Err: err}
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsRetryable reports whether a stage failure should be retried: recoverable
// validation errors and every adapter error count toward the attempt cap.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var vErr *ValidationError
	if As(err, &vErr) {
		return vErr.Recoverable
	}
	var aErr *AdapterError
	return As(err, &aErr)
}

// IsCallerFacing reports whether err must propagate to the trigger surface
// rather than being absorbed into a step record.
func IsCallerFacing(err error) bool {
	return Is(err, ErrInvalidTransition) ||
		Is(err, ErrPermissionDenied) ||
		Is(err, ErrNoSession) ||
		Is(err, ErrNotFound) ||
		Is(err, ErrActiveRunExists)
}

// InvalidTransitionf builds an ErrInvalidTransition with context.
func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// PermissionDeniedf builds an ErrPermissionDenied with context.
func PermissionDeniedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}
