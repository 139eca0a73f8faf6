// Package errs defines the error taxonomy shared across forksd components
// and the sanitizer applied to user-visible failure strings.
package errs

import (
	"errors"
	"strings"
)

// Code is a short kind-level error code safe to return to clients.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeNotPending        Code = "not_pending"
	CodeNotClaimed        Code = "not_claimed"
	CodeConflict          Code = "conflict"
	CodeUnauthorized      Code = "unauthorized"
	CodePayloadTooLarge   Code = "payload_too_large"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeApprovalDeclined  Code = "approval_declined"
	CodeApprovalCancelled Code = "approval_cancelled"
	CodeApprovalTimeout   Code = "approval_timeout"
	CodeInternal          Code = "internal_error"
)

// Error carries a taxonomy code alongside a message. The message may hold
// internal detail; only the code should reach external clients unless the
// message passes Sanitize.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code wrapping an underlying cause.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// Invalid creates an invalid_* validation error, e.g. Invalid("cwd") yields
// code "invalid_cwd".
func Invalid(what string) *Error {
	return &Error{Code: Code("invalid_" + what)}
}

// CodeOf extracts the taxonomy code from an error chain. Unknown errors map
// to internal_error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// maxExternalLen bounds a message deemed safe to echo to clients.
const maxExternalLen = 200

// Sanitize collapses unsafe failure strings to internal_error. Strings
// containing path separators or exceeding 200 characters are never echoed;
// control characters are stripped from the remainder.
func Sanitize(msg string) string {
	if len(msg) > maxExternalLen {
		return string(CodeInternal)
	}
	if strings.ContainsAny(msg, "/\\") {
		return string(CodeInternal)
	}
	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// External returns the client-facing representation of an error: the
// taxonomy code when known, with the sanitized message when it survives
// sanitization.
func External(err error) string {
	if err == nil {
		return ""
	}
	code := CodeOf(err)
	if code == CodeInternal {
		return string(CodeInternal)
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		if s := Sanitize(e.Message); s != string(CodeInternal) && s != "" {
			return string(code) + ": " + s
		}
	}
	return string(code)
}
