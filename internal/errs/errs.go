package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers that cannot inspect Go types,
// i.e. the other side of an HTTP or WebSocket boundary.
type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeAccountDeleted   Code = "ACCOUNT_DELETED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// AppError is a classified error. Cause is kept for logs and never sent
// over the wire.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error   { return New(CodeInvalidArgument, msg) }
func Unauthorized(msg string) error { return New(CodeUnauthenticated, msg) }
func Forbidden(msg string) error    { return New(CodePermissionDenied, msg) }
func NotFound(msg string) error     { return New(CodeNotFound, msg) }
func Internal(msg string) error     { return New(CodeInternal, msg) }

// Unavailable marks a transient failure: the caller may re-issue the
// request or wait for the connection to come back.
func Unavailable(msg string, cause error) error {
	return Wrap(CodeUnavailable, msg, cause)
}

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// IsRetryable reports whether re-issuing the failed operation can succeed
// without user intervention.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}

// IsAuth reports whether err requires the user to sign in again.
func IsAuth(err error) bool {
	c := CodeOf(err)
	return c == CodeUnauthenticated || c == CodeAccountDeleted
}

// HTTPStatus maps err to the status code used by the REST surface.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccountDeleted:
		return http.StatusGone
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTP rebuilds an AppError from a status code and the decoded error
// body of a failed REST call.
func FromHTTP(status int, code Code, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	if code != "" {
		return New(code, message)
	}
	switch {
	case status == http.StatusBadRequest:
		return New(CodeInvalidArgument, message)
	case status == http.StatusUnauthorized:
		return New(CodeUnauthenticated, message)
	case status == http.StatusGone:
		return New(CodeAccountDeleted, message)
	case status == http.StatusForbidden:
		return New(CodePermissionDenied, message)
	case status == http.StatusNotFound:
		return New(CodeNotFound, message)
	case status >= 500:
		return New(CodeUnavailable, message)
	default:
		return New(CodeInternal, message)
	}
}
