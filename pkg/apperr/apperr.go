// Package apperr carries caller-facing error codes through the pipeline.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeChecksumMismatch  Code = "CHECKSUM_MISMATCH"
	CodeIncompleteUpload  Code = "INCOMPLETE_UPLOAD"
	CodeMediaProbeFailed  Code = "MEDIA_PROBE_FAILED"
	CodeMediaEncodeFailed Code = "MEDIA_ENCODE_FAILED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInternal          Code = "INTERNAL"
)

// ErrNonRetryable marks failures that must not be redelivered by a queue.
var ErrNonRetryable = errors.New("non-retryable error")

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

func NotFound(what, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %s not found", what, id))
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// NonRetryable joins err with ErrNonRetryable unless it already carries it.
func NonRetryable(err error) error {
	if err == nil || errors.Is(err, ErrNonRetryable) {
		return err
	}
	return errors.Join(ErrNonRetryable, err)
}
