package api

import (
	"errors"
	"fmt"
)

// ErrCancelled is the outcome of an operation stopped on request.
var ErrCancelled = ResultErrorf(OperationCancelled, "")

// ResultErrorf returns a new ResultError containing the specified code and message.
func ResultErrorf(code ResultCode, format string, a ...any) *ResultError {
	return &ResultError{
		code: code,
		msg:  fmt.Sprintf(format, a...),
	}
}

// ResultError error type that contains a dispatcher result code and message.
type ResultError struct {
	code ResultCode
	msg  string
}

// Error returns the error message or the description of the code if message is empty.
func (e *ResultError) Error() string {
	if e.msg != "" {
		return e.msg
	}

	return e.code.String()
}

// Code returns the result code.
func (e *ResultError) Code() ResultCode {
	return e.code
}

// Is matches any ResultError carrying the same code.
func (e *ResultError) Is(target error) bool {
	var other *ResultError
	if !errors.As(target, &other) {
		return false
	}

	return other.code == e.code
}

// ResultCodeOf returns the result code carried by err, Success for nil and
// Failure for errors without one.
func ResultCodeOf(err error) ResultCode {
	if err == nil {
		return Success
	}

	var resErr *ResultError
	if errors.As(err, &resErr) {
		return resErr.code
	}

	return Failure
}

// IsCancelled reports whether err is, or wraps, a cancellation outcome.
func IsCancelled(err error) bool {
	return ResultCodeOf(err) == OperationCancelled
}
