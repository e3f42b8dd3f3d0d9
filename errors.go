package gocapnweb

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies an RpcError per the wire protocol's error taxonomy.
// Exactly one of these is emitted on the wire; unknown kinds received from
// a peer collapse to ErrorCodeInternal when materialized locally.
type ErrorCode string

const (
	ErrorCodeBadRequest       ErrorCode = "bad_request"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeCapRevoked       ErrorCode = "cap_revoked"
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeInternal         ErrorCode = "internal"
)

// knownErrorCodes is used when decoding wire errors: anything not in this
// set collapses to ErrorCodeInternal.
var knownErrorCodes = map[ErrorCode]bool{
	ErrorCodeBadRequest:       true,
	ErrorCodeNotFound:         true,
	ErrorCodeCapRevoked:       true,
	ErrorCodePermissionDenied: true,
	ErrorCodeCanceled:         true,
	ErrorCodeInternal:         true,
}

// RpcError is the error type that crosses the wire. Stack is filled in by
// WrapInternal (and so by AsRpcError for plain Go errors); a Session sends
// it in reject and abort messages only when its IncludeStackTraces option
// is set.
type RpcError struct {
	Code    ErrorCode
	Message string
	Stack   string
	Data    any
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newRpcError(code ErrorCode, message string, cause error) *RpcError {
	e := &RpcError{Code: code, Message: message}
	if cause != nil {
		// pkg/errors.WithStack captures a frame even when cause has none,
		// giving include_stack_traces a real stack to report.
		e.Stack = fmt.Sprintf("%+v", errors.WithStack(cause))
	}
	return e
}

func ErrBadRequest(message string) *RpcError { return newRpcError(ErrorCodeBadRequest, message, nil) }
func ErrNotFound(message string) *RpcError   { return newRpcError(ErrorCodeNotFound, message, nil) }
func ErrCapRevoked(message string) *RpcError {
	return newRpcError(ErrorCodeCapRevoked, message, nil)
}
func ErrPermissionDenied(message string) *RpcError {
	return newRpcError(ErrorCodePermissionDenied, message, nil)
}
func ErrCanceled(message string) *RpcError { return newRpcError(ErrorCodeCanceled, message, nil) }
func ErrInternal(message string) *RpcError { return newRpcError(ErrorCodeInternal, message, nil) }

// WrapInternal wraps an arbitrary Go error as an internal RpcError,
// capturing a stack trace via pkg/errors for diagnostics.
func WrapInternal(cause error, message string) *RpcError {
	return newRpcError(ErrorCodeInternal, message, cause)
}

// AsRpcError extracts an *RpcError from err, wrapping it as internal if it
// isn't already one.
func AsRpcError(err error) *RpcError {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*RpcError); ok {
		return rerr
	}
	return WrapInternal(err, err.Error())
}
