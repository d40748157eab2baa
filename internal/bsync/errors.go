package bsync

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures of network-facing operations.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindNetwork
	KindRateLimited
	KindConflict
	KindInvalidCredentials
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "NETWORK_FAILURE"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindConflict:
		return "CONFLICT"
	case KindInvalidCredentials:
		return "INVALID_CREDENTIALS"
	default:
		return "OTHER"
	}
}

// countsAsOutage reports whether a failure of this kind should grow the backoff.
// Rate limits, conflicts and credential errors come from a responsive server.
func (k ErrorKind) countsAsOutage() bool {
	return k == KindNetwork || k == KindOther
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNetwork            = errors.New("network failure")
	ErrRateLimited        = errors.New("rate limited")
	ErrConflict           = errors.New("backup conflict")
	ErrInvalidCredentials = errors.New("invalid backup credentials")
)

// Errors produced by the scheduler itself rather than by a collaborator.
var (
	ErrBackoffActive  = errors.New("network attempts suspended after recent failures")
	ErrBusy           = errors.New("another sync operation is in progress")
	ErrCooldownActive = errors.New("cooldown active")
	ErrDisabled       = errors.New("backup is disabled")
	ErrNotPermitted   = errors.New("operation not permitted")
)

// Error is a classified failure returned by collaborators.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError wraps err with a classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel that corresponds to the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrInvalidCredentials:
		return e.Kind == KindInvalidCredentials
	}
	return false
}

// KindOf classifies any error. Unclassified errors are OTHER, except context
// deadline expiry and errors wrapping a sentinel.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	}
	return KindOther
}
