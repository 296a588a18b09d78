// Package errors defines custom error types and error handling utilities for the rate limiting gateway.
// This package provides structured error types that map to stable error codes and HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure independent of its message
type ErrorCode string

const (
	// CodeConfiguration marks an invalid or missing configuration; fatal at startup
	CodeConfiguration ErrorCode = "configuration_error"

	// CodeStoreUnavailable marks a distributed store failure; never shown to callers
	CodeStoreUnavailable ErrorCode = "store_unavailable"

	// CodeRateLimitExceeded marks a request rejected by a token bucket
	CodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"

	// CodeInvalidRequest marks malformed input to an operation
	CodeInvalidRequest ErrorCode = "invalid_request"

	// CodeInternal marks an unexpected failure
	CodeInternal ErrorCode = "internal_error"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// RLError represents a structured error with additional metadata
type RLError interface {
	error

	// Code returns the stable error code
	Code() ErrorCode

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Description returns a human-readable description
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) RLError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) RLError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	code        ErrorCode
	httpStatus  int
	description string
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.description)
}

func (e *baseError) Code() ErrorCode {
	return e.code
}

func (e *baseError) HTTPStatus() int {
	return e.httpStatus
}

func (e *baseError) Description() string {
	return e.description
}

func (e *baseError) Unwrap() error {
	return e.cause
}

// Is matches any RLError carrying the same code, so sentinels work with errors.Is.
func (e *baseError) Is(target error) bool {
	var t RLError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code() == e.code
}

// WithCause returns a copy of the error with cause attached
func (e *baseError) WithCause(cause error) RLError {
	cp := e.clone()
	cp.cause = cause
	return cp
}

// WithMetadata returns a copy of the error with key set in its metadata
func (e *baseError) WithMetadata(key string, value interface{}) RLError {
	cp := e.clone()
	cp.metadata[key] = value
	return cp
}

func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

func (e *baseError) clone() *baseError {
	md := make(map[string]interface{}, len(e.metadata)+1)
	for k, v := range e.metadata {
		md[k] = v
	}
	return &baseError{
		code:        e.code,
		httpStatus:  e.httpStatus,
		description: e.description,
		cause:       e.cause,
		metadata:    md,
	}
}

// ================================================================================
// Error Constructors
// ================================================================================

// NewError creates a new RLError with the specified parameters
func NewError(code ErrorCode, httpStatus int, description string) RLError {
	return &baseError{
		code:        code,
		httpStatus:  httpStatus,
		description: description,
	}
}

// Sentinels for errors.Is comparisons. They compare by code only.
var (
	ErrConfiguration     = NewError(CodeConfiguration, http.StatusInternalServerError, "invalid rate limit configuration")
	ErrStoreUnavailable  = NewError(CodeStoreUnavailable, http.StatusServiceUnavailable, "distributed bucket store unavailable")
	ErrLimitExceeded     = NewError(CodeRateLimitExceeded, http.StatusTooManyRequests, "Rate limit exceeded. Please retry later.")
	ErrInvalidRequest    = NewError(CodeInvalidRequest, http.StatusBadRequest, "invalid request")
	ErrInternal          = NewError(CodeInternal, http.StatusInternalServerError, "internal error")
)

// Configuration wraps cause as a configuration_error
func Configuration(description string, cause error) RLError {
	return NewError(CodeConfiguration, http.StatusInternalServerError, description).WithCause(cause)
}

// StoreUnavailable wraps cause as a store_unavailable error
func StoreUnavailable(description string, cause error) RLError {
	return NewError(CodeStoreUnavailable, http.StatusServiceUnavailable, description).WithCause(cause)
}

// InvalidRequest builds an invalid_request error from a formatted message
func InvalidRequest(format string, args ...interface{}) RLError {
	return NewError(CodeInvalidRequest, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

// ================================================================================
// Error Helpers
// ================================================================================

// AsRLError extracts the first RLError in err's chain
func AsRLError(err error) (RLError, bool) {
	var rl RLError
	if stderrors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// CodeOf returns the code of the first RLError in err's chain, or CodeInternal
func CodeOf(err error) ErrorCode {
	if rl, ok := AsRLError(err); ok {
		return rl.Code()
	}
	return CodeInternal
}

// IsStoreUnavailable reports whether err is a distributed store failure
func IsStoreUnavailable(err error) bool {
	return stderrors.Is(err, ErrStoreUnavailable)
}

// IsConfiguration reports whether err is a configuration failure
func IsConfiguration(err error) bool {
	return stderrors.Is(err, ErrConfiguration)
}

// IsRateLimitError reports whether err is a rejected admission
func IsRateLimitError(err error) bool {
	return stderrors.Is(err, ErrLimitExceeded)
}

// ShouldLogError reports whether err deserves an error-level log line.
// Rejected admissions and bad input are expected traffic.
func ShouldLogError(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeRateLimitExceeded, CodeInvalidRequest:
		return false
	default:
		return true
	}
}

// Is and As re-export the standard helpers so callers need a single import.
var (
	Is  = stderrors.Is
	As  = stderrors.As
	New = stderrors.New
)
