// Package vaulterr provides the typed error taxonomy used across the vault
// core. All components return *Error instead of raw errors so callers can
// switch on Code without string matching.
package vaulterr

import (
	"errors"
	"fmt"
)

// Code identifies an error kind in the taxonomy. Codes are stable across
// versions; message text is not.
type Code string

const (
	CodeInput            Code = "INPUT"
	CodeAuth             Code = "AUTH"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeIntegrity        Code = "INTEGRITY"
	CodeIO               Code = "IO"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeInternal         Code = "INTERNAL"
)

// Error is the structured error type returned by every component boundary
// in the core. Deeper components never return bare errors across a package
// boundary; only *Error, so callers can use errors.As.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a diagnostic key/value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an *Error that wraps an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As extracts an *Error from the chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Constructors per taxonomy kind.

func InvalidName(name string) *Error {
	return New(CodeInput, "invalid name").WithDetail("name", name)
}

func InvalidKey(key string) *Error {
	return New(CodeInput, "invalid key").WithDetail("key", key)
}

func InvalidPolicy(reason string) *Error {
	return New(CodeInput, "invalid rotation policy").WithDetail("reason", reason)
}

func ScopeTooBroad(reason string) *Error {
	return New(CodeInput, "requested scope exceeds policy").WithDetail("reason", reason)
}

func TtlTooLong(requested, max string) *Error {
	return New(CodeInput, "ttl exceeds maximum").WithDetail("requested", requested).WithDetail("max", max)
}

func Expired() *Error {
	return New(CodeAuth, "token expired")
}

func NotYetValid() *Error {
	return New(CodeAuth, "token not yet valid")
}

func BadSignature() *Error {
	return New(CodeAuth, "invalid token signature")
}

func Revoked() *Error {
	return New(CodeAuth, "token revoked")
}

func OutOfScope() *Error {
	return New(CodeAuth, "request outside token scope")
}

func Malformed(reason string) *Error {
	return New(CodeAuth, "malformed token").WithDetail("reason", reason)
}

func MFARequired() *Error {
	return New(CodeAuth, "principal must present mfa for restricted classification")
}

func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "not found").WithDetail("resource", resource).WithDetail("id", id)
}

func AlreadyExists(resource, id string) *Error {
	return New(CodeConflict, "already exists").WithDetail("resource", resource).WithDetail("id", id)
}

func NotEmpty(resource, id string) *Error {
	return New(CodeConflict, "resource not empty").WithDetail("resource", resource).WithDetail("id", id)
}

func NotDecryptable(reason string) *Error {
	return New(CodeIntegrity, "version not decryptable").WithDetail("reason", reason)
}

func IntegrityViolation(err error) *Error {
	return Wrap(CodeIntegrity, "integrity check failed", err)
}

func SchemaError(reason string) *Error {
	return New(CodeIntegrity, "unsupported schema version").WithDetail("reason", reason)
}

func ReadOnlySafeMode() *Error {
	return New(CodeIntegrity, "vault is in read-only safe mode after an integrity violation")
}

func LockedByAnotherWriter() *Error {
	return New(CodeIO, "vault is locked by another writer")
}

func IOFailure(op string, err error) *Error {
	return Wrap(CodeIO, "i/o failure", err).WithDetail("op", op)
}

func DeadlineExceeded(op string) *Error {
	return New(CodeDeadlineExceeded, "deadline exceeded").WithDetail("op", op)
}

func Internal(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}
