package ring

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bridge failures.
type ErrorKind string

const (
	InvalidArgument             ErrorKind = "invalid_argument"
	NotConnected                ErrorKind = "not_connected"
	ConnectionRejected          ErrorKind = "connection_rejected"
	BootstrapFailure            ErrorKind = "bootstrap_failure"
	NotReady                    ErrorKind = "not_ready"
	StorageQueryFailure         ErrorKind = "storage_query_failure"
	IdentifierResolutionFailure ErrorKind = "identifier_resolution_failure"
)

// Error represents any bridge failure of a given kind
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrInvalidArgument             = &Error{Kind: InvalidArgument}
	ErrNotConnected                = &Error{Kind: NotConnected}
	ErrConnectionRejected          = &Error{Kind: ConnectionRejected}
	ErrBootstrapFailure            = &Error{Kind: BootstrapFailure}
	ErrNotReady                    = &Error{Kind: NotReady}
	ErrStorageQueryFailure         = &Error{Kind: StorageQueryFailure}
	ErrIdentifierResolutionFailure = &Error{Kind: IdentifierResolutionFailure}
)

// NewError builds an Error of kind wrapping cause (which may be nil).
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// IsKind reports whether err is an Error with the given kind
func IsKind(err error, kind ErrorKind) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not a bridge error.
func KindOf(err error) ErrorKind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}
