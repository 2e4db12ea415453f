// Package errkind provides the typed error kinds and codes that every
// market/* package surfaces to its caller. Handlers never return an opaque
// boolean or a bare error: callers that need to branch on outcome (retry,
// surface to the Agent, log-and-drop) inspect the Kind and Code here.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy purposes.
type Kind string

const (
	// Validation covers a bad id, bad constraint, id hash mismatch, or
	// malformed payload. Surfaced to the caller as a client error; never
	// retried by the core.
	Validation Kind = "validation"
	// State covers invalid FSM transitions and stale-state conflicts.
	// Surfaced to the caller; retried only by the Agent supplying new
	// inputs.
	State Kind = "state"
	// Transport covers bus timeouts, unreachable peers, and unbound
	// endpoints. Retryable at the caller's discretion.
	Transport Kind = "transport"
	// Integrity covers database constraint violations and hash
	// collisions. Always logged and surfaced; never masked.
	Integrity Kind = "integrity"
	// Internal covers I/O and database errors not already covered by
	// Integrity. Surfaced; caller decides.
	Internal Kind = "internal"
)

// Code identifies the specific condition within a Kind.
type Code string

const (
	CodeMalformed         Code = "malformed"
	CodeHashMismatch      Code = "hash_mismatch"
	CodeBadConstraint     Code = "bad_constraint"
	CodeInvalidTransition Code = "invalid_transition"
	CodeConfirmed         Code = "already_confirmed"
	CodeExpired           Code = "expired"
	CodeNotFound          Code = "not_found"
	CodeAlreadyUnsubscribed Code = "already_unsubscribed"
	CodeUnsubscribed      Code = "unsubscribed"
	CodeTimeout           Code = "timeout"
	CodeUnreachable       Code = "unreachable"
	CodeNotBound          Code = "not_bound"
	CodeConstraintViolation Code = "constraint_violation"
	CodeBlacklisted       Code = "blacklisted"
	CodeSuspiciousBehavior Code = "suspicious_behavior"
	CodeIOFailure         Code = "io_failure"
	CodeUnauthorized      Code = "unauthorized"
)

// Error is the concrete typed error every market/* handler returns.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As keep working across
// package boundaries.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a typed error with no wrapped cause.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf builds a typed error with a formatted message.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind/Code to an underlying cause, preserving it for
// errors.Unwrap.
func Wrap(kind Kind, code Code, err error, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Is reports whether err is an *Error carrying the supplied code.
func Is(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

// KindOf returns the Kind carried by err, or Internal if err is not a typed
// *Error. Useful at RPC/bus boundaries deciding the outer status.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return Internal
}

// Convenience constructors mirroring §7's abstract kinds.

func ValidationError(code Code, format string, args ...any) *Error {
	return Newf(Validation, code, format, args...)
}

func StateError(code Code, format string, args ...any) *Error {
	return Newf(State, code, format, args...)
}

func TransportError(code Code, format string, args ...any) *Error {
	return Newf(Transport, code, format, args...)
}

func IntegrityError(code Code, err error, format string, args ...any) *Error {
	return Wrap(Integrity, code, err, fmt.Sprintf(format, args...))
}

func InternalError(err error, format string, args ...any) *Error {
	return Wrap(Internal, CodeIOFailure, err, fmt.Sprintf(format, args...))
}
