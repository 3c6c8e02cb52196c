// Package errors carries the coded application errors of the signaling core.
// Every error here is recoverable at the level of the single operation that
// produced it; none is fatal to a connection.
package errors

import (
	stderrors "errors"
	"fmt"
)

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

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func AlreadyInCall(msg string) error {
	return New(CodeAlreadyInCall, msg)
}

func TargetUnreachable(msg string) error {
	return New(CodeTargetUnreachable, msg)
}

func InvalidTransition(msg string) error {
	return New(CodeInvalidTransition, msg)
}

func MediaUnavailable(msg string, cause error) error {
	return Wrap(CodeMediaUnavailable, msg, cause)
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

// CodeOf extracts the application code from err, or CodeUnknown for plain
// errors.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given application code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
