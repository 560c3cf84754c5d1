package service

import (
	"errors"
	"fmt"
)

// ErrorCode classifies event processing failures.
type ErrorCode string

const (
	ErrorValidation   ErrorCode = "VALIDATION_ERROR"
	ErrorParsing      ErrorCode = "PARSING_ERROR"
	ErrorBackend      ErrorCode = "BACKEND_ERROR"
	ErrorSessionStore ErrorCode = "SESSION_STORE_ERROR"
	ErrorComposer     ErrorCode = "COMPOSER_ERROR"
	ErrorHandler      ErrorCode = "HANDLER_ERROR"
	ErrorInputs       ErrorCode = "INPUTS_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure of one event's processing.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds an Error. Custom parsers use it with ErrorParsing.
func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first Error in err's chain, or
// ErrorInternal when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorInternal
}

// classify keeps an existing Error or wraps err with code.
func classify(code ErrorCode, reason string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(code, reason, err)
}
