// Package brokererr defines the broker's error taxonomy: a fixed set of
// Kind values every component reports through, wrapped with context via
// %w so callers can still errors.Is/errors.As down to the underlying cause.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed broker error categories.
type Kind string

const (
	KindFrameTooLarge Kind = "frame_too_large"
	KindNameConflict  Kind = "name_conflict"
	KindSpawnFailed   Kind = "spawn_failed"
	KindWriteBlocked  Kind = "write_blocked"
	KindWriteFailed   Kind = "write_failed"
	KindEchoTimeout   Kind = "echo_timeout"
	KindAgentGone     Kind = "agent_gone"
	KindCanceled      Kind = "canceled"
	KindShed          Kind = "shed"
	KindPublishFailed Kind = "publish_failed"
	KindLockHeld      Kind = "lock_held"
	KindIOError       Kind = "io_error"
	KindInternal      Kind = "internal"
)

// Error is the concrete error type carrying a Kind, a human message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, brokererr.New(kind, "")) style kind checks by
// comparing Kind alone, ignoring Message/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause via %w semantics.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of extracts the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
