// Package gateerr defines the closed set of error codes used at every RPC
// and log boundary in Gate, and a typed Error carrying one of them.
package gateerr

import (
	"errors"
	"fmt"
)

// Code is a closed enum of error kinds surfaced across process boundaries.
// Internal call sites should prefer plain wrapped errors; Code is for RPC
// responses, logs, and anywhere a stable machine-readable tag is needed.
type Code string

const (
	Ok                 Code = "Ok"
	InvalidArgument    Code = "InvalidArgument"
	PermissionDenied   Code = "PermissionDenied"
	NotFound           Code = "NotFound"
	DnsChallengeFailed Code = "DnsChallengeFailed"
	RateLimited        Code = "RateLimited"
	Internal           Code = "Internal"
	Timeout            Code = "Timeout"
)

// Error wraps a Code with a human message and, optionally, an underlying
// cause for local debugging. Only Code and Message cross RPC/log boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error, keeping it unwrappable.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, else
// Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
