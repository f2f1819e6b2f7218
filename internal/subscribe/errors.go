package subscribe

import (
	"errors"
	"fmt"
)

// Kind is a stable, distinguishable class of subscription failure. Callers
// translate kinds into user-facing messages, so the values never change.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrUnsupportedBrowser      Kind = "UnsupportedBrowser"
	ErrPermissionDenied        Kind = "PermissionDenied"
	ErrWorkerActivationTimeout Kind = "WorkerActivationTimeout"
	ErrServerKeyUnavailable    Kind = "ServerKeyUnavailable"
	ErrInvalidKeyFormat        Kind = "InvalidKeyFormat"
	ErrSubscriptionRejected    Kind = "SubscriptionRejected"
	ErrPersistenceFailed       Kind = "PersistenceFailed"
)

// Error is returned by Manager operations. errors.Is matches both its Kind and
// the underlying cause.
type Error struct {
	Kind   Kind
	Step   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of a Manager error, or "" for any other error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether re-invoking Subscribe may succeed without the user
// or the operator changing anything.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrWorkerActivationTimeout, ErrSubscriptionRejected, ErrPersistenceFailed:
		return true
	}
	return false
}

func newError(kind Kind, step, detail string, err error) *Error {
	return &Error{Kind: kind, Step: step, Detail: detail, Err: err}
}
