// Package fault defines the error taxonomy used across the control
// plane. Every layer boundary returns an *Error carrying a Code from
// the closed set below; HTTP handlers map the code to a status.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error kind.
type Code string

const (
	CodeUnknown       Code = "unknown"
	CodeAuthFailure   Code = "auth_failure"
	CodeTokenRevoked  Code = "token_revoked"
	CodeValidation    Code = "validation_failure"
	CodePayloadTooBig Code = "payload_too_large"
	CodeNotFound      Code = "not_found"
	CodeConflict      Code = "conflict"
	CodeBackpressure  Code = "backpressure"
	CodeRateLimited   Code = "rate_limited"
	CodeUpstream      Code = "upstream_failure"
	CodeDataIntegrity Code = "data_integrity"
	CodeInternal      Code = "internal"
)

// Error is the typed error carried across layer boundaries.
type Error struct {
	Code       Code
	Message    string
	Err        error
	Fields     []FieldError // populated for validation failures
	RetryAfter *time.Duration
}

// FieldError names a single invalid request field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithRetryAfter attaches a retry hint, surfaced as a Retry-After header.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = &d
	return e
}

// WithFields attaches field-level validation detail.
func (e *Error) WithFields(fields ...FieldError) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// New creates an error with a code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Returns nil for nil err.
func Wrap(err error, code Code, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Wrapf wraps err with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// GetCode extracts the code from any error in the chain.
func GetCode(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// HTTPStatus maps a code onto the response status used by the
// external surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthFailure:
		return http.StatusUnauthorized
	case CodeTokenRevoked:
		return http.StatusGone
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodePayloadTooBig:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeBackpressure:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }

// IsRetryable reports whether an operation that failed with err is
// worth retrying in-process. Only transient kinds qualify.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeBackpressure, CodeUpstream, CodeRateLimited:
		return true
	default:
		return false
	}
}
