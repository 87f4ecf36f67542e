package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Standard library helpers, re-exported so callers need one import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

type appError struct {
	code    ErrorCode
	message string
	cause   error
	data    any
}

// Error renders "message: data: cause", leaving out the parts that are unset.
func (e *appError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.code.Message()
	}

	var b strings.Builder
	b.WriteString(msg)
	if e.data != nil {
		fmt.Fprintf(&b, ": %v", e.data)
	}
	if e.cause != nil && e.message == "" {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *appError) Code() ErrorCode { return e.code }
func (e *appError) Data() any       { return e.data }
func (e *appError) Unwrap() error   { return e.cause }

func (e *appError) WithMessage(msg string) Error {
	c := *e
	c.message = msg
	return &c
}

func (e *appError) WithData(data any) Error {
	c := *e
	c.data = data
	return &c
}

// Is matches another coded error by code, so checks such as
// errors.Is(err, New().New(ErrInvalidValue)) see through wrapping.
func (e *appError) Is(target error) bool {
	var t Error
	return errors.As(target, &t) && t.Code() == e.code
}

type factory struct{}

func (factory) New(code ErrorCode) Error {
	return &appError{code: code}
}

func (factory) Wrap(code ErrorCode, err error) Error {
	return &appError{code: code, cause: err}
}

func (factory) WithMessage(code ErrorCode, msg string) Error {
	return &appError{code: code, message: msg}
}

func (factory) WithData(code ErrorCode, data any) Error {
	return &appError{code: code, data: data}
}

// New returns the error factory.
func New() Factory {
	return factory{}
}

// CodeOf returns the code of the outermost coded error in err's chain, or an
// empty code.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code()
	}

	return ""
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(Error); ok && e.Code() == code {
			return true
		}
		err = errors.Unwrap(err)
	}

	return false
}
