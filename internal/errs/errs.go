// Package errs defines the error taxonomy shared across conduit's
// components: configuration, network, protocol, authentication, session,
// registry, process, IPC, and cancellation (spec.md §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind distinguishes broad categories of failure so callers can branch on
// behavior (retry, surface, log-at-info) without parsing error strings.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNetwork       Kind = "network"
	KindProtocol      Kind = "protocol"
	KindAuth          Kind = "authentication"
	KindSession       Kind = "session"
	KindRegistry      Kind = "registry"
	KindProcess       Kind = "process"
	KindIPC           Kind = "ipc"
	KindCancellation  Kind = "cancellation"
)

// Error is a typed error carrying a Kind alongside the wrapped cause.
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

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Cancelled is the distinct non-failure signal surfaced when a shutdown
// channel closes a pending operation (spec.md §7, §5 "Cancellation").
var Cancelled = New(KindCancellation, "operation cancelled by shutdown")
