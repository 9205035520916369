// Package apperr is the error taxonomy shared by the engine's entry points.
// Every error surfaced to a caller carries one of four codes; packages keep
// their own sentinels for specific conditions and wrap them with a code.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeDataIntegrity       Code = "DATA_INTEGRITY"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeInternal            Code = "INTERNAL"
)

// Sentinels, one per code, so callers can use errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDataIntegrity       = errors.New("data integrity violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

var sentinels = map[Code]error{
	CodeNotFound:            ErrNotFound,
	CodeInvalidInput:        ErrInvalidInput,
	CodeDataIntegrity:       ErrDataIntegrity,
	CodeConcurrencyConflict: ErrConcurrencyConflict,
}

// Error is a structured error with a taxonomy code.
type Error struct {
	Code    Code
	Op      string // e.g. "placement.Resolve"
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the code sentinel, so errors.Is(err, ErrNotFound) works for any
// *Error with CodeNotFound.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// New builds an *Error. cause may be nil.
func New(code Code, op string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(op string, format string, args ...any) *Error {
	return New(CodeNotFound, op, nil, format, args...)
}

func InvalidInput(op string, cause error, format string, args ...any) *Error {
	return New(CodeInvalidInput, op, cause, format, args...)
}

func DataIntegrity(op string, cause error, format string, args ...any) *Error {
	return New(CodeDataIntegrity, op, cause, format, args...)
}

func Conflict(op string, cause error, format string, args ...any) *Error {
	return New(CodeConcurrencyConflict, op, cause, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
