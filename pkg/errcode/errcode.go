// Package errcode defines the error kinds surfaced by the OMS core.
// Services classify failures into these kinds so callers can map them to
// transport-level responses without string matching.
package errcode

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is the zero value; errors without a kind.
	KindUnknown Kind = iota
	// KindNotFound - missing entity, branch, commit, or proposal.
	KindNotFound
	// KindAlreadyExists - duplicate name or ref.
	KindAlreadyExists
	// KindValidationFailed - rule or schema violation with per-field errors.
	KindValidationFailed
	// KindProtectedBranch - write or delete against a protected branch.
	KindProtectedBranch
	// KindConflict - OCC mismatch, merge conflict, or invalid state transition.
	KindConflict
	// KindInUse - delete blocked by referential integrity.
	KindInUse
	// KindPermissionDenied - caller lacks capability.
	KindPermissionDenied
	// KindTransient - upstream timeout or contention; safe to retry.
	KindTransient
	// KindFatal - store corruption or invariant breach.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindValidationFailed:
		return "validation_failed"
	case KindProtectedBranch:
		return "protected_branch"
	case KindConflict:
		return "conflict"
	case KindInUse:
		return "in_use"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is the concrete error type carried through the service layers.
type Error struct {
	Kind    Kind
	Message string

	// FieldErrors holds per-field validation messages for KindValidationFailed.
	FieldErrors map[string]string

	// Expected/Actual carry the OCC parent mismatch for KindConflict.
	Expected string
	Actual   string

	// MergeHints carries rebase guidance for OCC conflicts.
	MergeHints []string

	wrapped error
}

func (e *Error) Error() string {
	if e.Kind == KindConflict && e.Expected != "" {
		return fmt.Sprintf("%s: %s (expected %s, actual %s)", e.Kind, e.Message, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// AlreadyExists builds a KindAlreadyExists error.
func AlreadyExists(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

// ValidationFailed builds a KindValidationFailed error with field detail.
func ValidationFailed(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidationFailed, Message: msg, FieldErrors: fields}
}

// ProtectedBranch builds a KindProtectedBranch error.
func ProtectedBranch(name string) *Error {
	return &Error{Kind: KindProtectedBranch, Message: fmt.Sprintf("branch %q is protected", name)}
}

// Conflict builds a KindConflict error carrying the expected and actual heads.
func Conflict(msg, expected, actual string, hints ...string) *Error {
	return &Error{Kind: KindConflict, Message: msg, Expected: expected, Actual: actual, MergeHints: hints}
}

// InUse builds a KindInUse error.
func InUse(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInUse, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied builds a KindPermissionDenied error.
func PermissionDenied(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// Transient builds a retryable KindTransient error wrapping the cause.
func Transient(msg string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: msg, wrapped: cause}
}

// Fatal builds a KindFatal error wrapping the cause.
func Fatal(msg string, cause error) *Error {
	return &Error{Kind: KindFatal, Message: msg, wrapped: cause}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsConflict returns the conflict error if err is one.
func AsConflict(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConflict {
		return e, true
	}
	return nil, false
}
