package domain

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeSessionClosed     Code = "SESSION_CLOSED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeForbidden         Code = "FORBIDDEN"
	CodeTransientIO       Code = "TRANSIENT_IO"
)

// Sentinels for errors.Is. Matching is by code, so any *Error carrying the
// same code matches regardless of message.
var (
	ErrInvalidInput      = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrSessionClosed     = &Error{Code: CodeSessionClosed, Message: "session is closed"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrTransientIO       = &Error{Code: CodeTransientIO, Message: "data store unavailable"}
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a domain error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a domain error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail creates a domain error carrying structured detail.
func WithDetail(code Code, message string, detail map[string]string) *Error {
	return &Error{Code: code, Message: message, Detail: detail}
}

// WrapError creates a domain error wrapping cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the domain code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}

// NotFound builds a NOT_FOUND error for the given kind and id.
func NotFound(kind, id string) *Error {
	return WithDetail(CodeNotFound, kind+" not found", map[string]string{"id": id})
}
