// Package apperr defines the error taxonomy shared by every operation
// boundary: a code, a caller-facing message and an optional cause.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeForbidden           Code = "FORBIDDEN"
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeStorageUnavailable  Code = "STORAGE_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error { return New(CodeInvalidArgument, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Conflict(msg string) error { return New(CodeConflict, msg) }

func Forbidden(msg string) error { return New(CodeForbidden, msg) }

func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }

func ProviderUnavailable(msg string, cause error) error {
	return Wrap(CodeProviderUnavailable, msg, cause)
}

func StorageUnavailable(msg string, cause error) error {
	return Wrap(CodeStorageUnavailable, msg, cause)
}

func Internal(msg string) error { return New(CodeInternal, msg) }

// CodeOf extracts the taxonomy code from err, or CodeUnknown for errors
// produced outside an operation boundary.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// MessageOf returns the caller-facing message without the cause chain.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
