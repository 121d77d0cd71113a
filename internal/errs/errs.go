// Package errs defines the typed errors surfaced by the engine.
//
// Every failure that crosses a component boundary carries a Kind so callers can
// tell "not found" apart from "conflict" and from "downstream failure" without
// parsing messages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidState
	KindCompilation
	KindExecution
	KindSend
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindCompilation:
		return "compilation_failure"
	case KindExecution:
		return "execution_failure"
	case KindSend:
		return "send_failure"
	case KindConnection:
		return "connection_failure"
	default:
		return "unknown"
	}
}

// Error is a typed engine error
type Error struct {
	Kind        Kind
	Op          string   // Operation that failed, e.g. "runtime.start"
	Msg         string   // Human readable detail
	Err         error    // Underlying cause (optional)
	Diagnostics []string // Compiler diagnostics for KindCompilation
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and message, which makes the sentinels below
// usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg && t.Op == ""
}

// Sentinels
var (
	ErrNotRunning = &Error{Kind: KindNotFound, Msg: "bot not running"}
	ErrNotLoaded  = &Error{Kind: KindInvalidState, Msg: "plugin not loaded"}
)

// New creates a typed error
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and operation. A nil err returns nil.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFound is shorthand for a KindNotFound error
func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

// InvalidState is shorthand for a KindInvalidState error
func InvalidState(op, format string, args ...interface{}) *Error {
	return New(KindInvalidState, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DiagnosticsOf returns compiler diagnostics carried by err, if any
func DiagnosticsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Diagnostics
	}
	return nil
}
