// Package turnerr defines the error taxonomy surfaced by the orchestration core.
//
// Every terminal failure that crosses the Submit boundary is a *Error carrying a Kind,
// a human readable message, the last backend run status when one is known, and the
// underlying cause. Callers match kinds with errors.Is against the exported sentinels:
//
//	if errors.Is(err, turnerr.ErrPollTimeout) { ... }
package turnerr

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal orchestration failure.
type Kind string

const (
	// KindSessionInit means creating or looking up the backend session failed.
	KindSessionInit Kind = "session_init"
	// KindTransientConflict means the backend already has an active run on the session.
	KindTransientConflict Kind = "transient_conflict"
	// KindPollTimeout means the run never reached a terminal state within the poll budget.
	KindPollTimeout Kind = "poll_timeout"
	// KindBackendFailure means the run ended failed, cancelled or expired, or could not be submitted.
	KindBackendFailure Kind = "backend_failure"
	// KindRetryExhausted means every retry hit a transient conflict.
	KindRetryExhausted Kind = "retry_exhausted"
	// KindRequestTimeout means the caller deadline elapsed before the request settled.
	KindRequestTimeout Kind = "request_timeout"
)

// Error is a structured orchestration failure.
type Error struct {
	Kind    Kind
	Message string
	// Status is the last backend run status observed, if any.
	Status string
	Err    error
}

// Sentinels for errors.Is matching. Only Kind is compared.
var (
	ErrSessionInit       = &Error{Kind: KindSessionInit}
	ErrTransientConflict = &Error{Kind: KindTransientConflict}
	ErrPollTimeout       = &Error{Kind: KindPollTimeout}
	ErrBackendFailure    = &Error{Kind: KindBackendFailure}
	ErrRetryExhausted    = &Error{Kind: KindRetryExhausted}
	ErrRequestTimeout    = &Error{Kind: KindRequestTimeout}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithStatus builds an error of the given kind carrying the last backend status.
func WithStatus(kind Kind, status, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
