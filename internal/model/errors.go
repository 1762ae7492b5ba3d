package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of an elevation failure.
type ErrorKind string

const (
	KindUnknownScope      ErrorKind = "unknown_scope"
	KindMalformedScope    ErrorKind = "malformed_scope"
	KindUnknownBackend    ErrorKind = "unknown_backend"
	KindInvalidScope      ErrorKind = "invalid_scope"
	KindInvalidPayload    ErrorKind = "invalid_payload"
	KindForbidden         ErrorKind = "forbidden"
	KindInvalidMetadata   ErrorKind = "invalid_metadata"
	KindDuplicateHook     ErrorKind = "duplicate_hook"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_state_transition"
	KindTimeout           ErrorKind = "timeout"
	KindCancelled         ErrorKind = "cancelled"
	KindTokenExpired      ErrorKind = "token_expired"
	KindTokenRevoked      ErrorKind = "token_revoked"
	KindTransient         ErrorKind = "transient_collaborator_failure"
	KindRateLimited       ErrorKind = "rate_limited"
)

// Error is a typed elevation failure. Reason is a short stable code
// (e.g. "protected-branch") suitable for clients and audit records.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrForbidden)
// holds for every Forbidden error regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrUnknownScope      = &Error{Kind: KindUnknownScope}
	ErrMalformedScope    = &Error{Kind: KindMalformedScope}
	ErrUnknownBackend    = &Error{Kind: KindUnknownBackend}
	ErrInvalidScope      = &Error{Kind: KindInvalidScope}
	ErrInvalidPayload    = &Error{Kind: KindInvalidPayload}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidMetadata   = &Error{Kind: KindInvalidMetadata}
	ErrDuplicateHook     = &Error{Kind: KindDuplicateHook}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrTokenExpired      = &Error{Kind: KindTokenExpired}
	ErrTokenRevoked      = &Error{Kind: KindTokenRevoked}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
)

// Errorf builds a typed error with a reason code and formatted message.
func Errorf(kind ErrorKind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// FromContext converts a context error into Cancelled or Timeout.
// Returns nil if ctx is still live.
func FromContext(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "timeout", err)
	default:
		return Wrap(KindCancelled, "cancelled", err)
	}
}

// KindOf returns the kind of err. Bare context errors map to Timeout or
// Cancelled; anything else untyped is reported as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindTransient
	}
}

// ReasonOf returns the stable reason code carried by err, falling back
// to the kind when no reason was set.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return string(KindOf(err))
}

// IsValidation reports whether err rejects the request itself, as opposed
// to the system failing to complete the check.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindUnknownScope, KindMalformedScope, KindUnknownBackend, KindInvalidScope,
		KindInvalidPayload, KindForbidden, KindInvalidMetadata:
		return true
	}
	return false
}
