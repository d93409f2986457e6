package utils

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Error categories
const (
	CategoryUnknown    = "unknown"
	CategoryValidation = "validation"
	CategoryEncoding   = "encoding"
	CategoryCrypto     = "cryptography"
	CategoryConsensus  = "consensus"
	CategoryPolicy     = "policy"
	CategoryStorage    = "storage"
	CategoryNetwork    = "network"
	CategoryTimeout    = "timeout"
	CategoryInternal   = "internal"
)

// Base error codes
const (
	CodeUnknown          = "UNKNOWN"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeInvalidValue     = "INVALID_VALUE"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeWatchOnly        = "WATCH_ONLY"
	CodeStaleMessage     = "STALE_MESSAGE"
	CodeNotPrimary       = "NOT_PRIMARY"
	CodeQuorumNotMet     = "QUORUM_NOT_MET"
	CodePolicyViolation  = "POLICY_VIOLATION"
	CodePersistFailed    = "PERSIST_FAILED"
	CodeSignerFailed     = "SIGNER_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeUnavailable      = "UNAVAILABLE"
	CodeDataCorrupted    = "DATA_CORRUPTED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorCode represents a machine-readable error identifier
type ErrorCode string

// ErrorCategory groups related errors
type ErrorCategory string

// Error provides structured error information
type Error struct {
	Code       ErrorCode
	Category   ErrorCategory
	Message    string
	Details    map[string]interface{}
	Underlying error
	Retryable  bool
	Timestamp  time.Time
	Stack      []StackFrame
}

// StackFrame represents a single stack frame
type StackFrame struct {
	File     string
	Line     int
	Function string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is a structured error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a detail field to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a new structured error
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  getCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Stack:     captureStack(2),
	}
}

// NewErrorf creates a new structured error with formatting
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError wraps an existing error with structured information
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	wrapped := &Error{
		Code:       code,
		Category:   getCategory(code),
		Message:    message,
		Underlying: err,
		Timestamp:  time.Now(),
		Stack:      captureStack(2),
	}
	// Keep the retry hint of an inner structured error
	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Retryable = inner.Retryable
	}
	return wrapped
}

// WrapErrorf wraps an existing error with formatted message
func WrapErrorf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return WrapError(err, code, fmt.Sprintf(format, args...))
}

// NewValidationError reports malformed input.
func NewValidationError(message string) *Error {
	return NewError(CodeInvalidInput, message)
}

// NewTimeoutError reports an operation that ran out of time.
func NewTimeoutError(message string) *Error {
	err := NewError(CodeTimeout, message)
	err.Retryable = true
	return err
}

// NewUnavailableError reports a collaborator that cannot serve right now.
func NewUnavailableError(message string) *Error {
	err := NewError(CodeUnavailable, message)
	err.Retryable = true
	return err
}

// IsRetryable returns whether an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// GetErrorCategory extracts the error category from an error
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

func getCategory(code ErrorCode) ErrorCategory {
	switch code {
	case CodeInvalidInput, CodeConfigInvalid:
		return CategoryValidation
	case CodeInvalidValue:
		return CategoryEncoding
	case CodeInvalidSignature, CodeSignerFailed:
		return CategoryCrypto
	case CodeWatchOnly, CodeStaleMessage, CodeNotPrimary, CodeQuorumNotMet:
		return CategoryConsensus
	case CodePolicyViolation:
		return CategoryPolicy
	case CodePersistFailed, CodeDataCorrupted, CodeNotFound:
		return CategoryStorage
	case CodeUnavailable:
		return CategoryNetwork
	case CodeTimeout:
		return CategoryTimeout
	case CodeInternal:
		return CategoryInternal
	default:
		return CategoryUnknown
	}
}

func captureStack(skip int) []StackFrame {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+1, pcs)

	frames := make([]StackFrame, 0, n)
	for _, pc := range pcs[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		file, line := fn.FileLine(pc)
		if strings.HasPrefix(file, "runtime/") {
			continue
		}

		frames = append(frames, StackFrame{
			File:     file,
			Line:     line,
			Function: fn.Name(),
		})
	}

	return frames
}

// Sentinel errors shared across packages
var (
	ErrInvalidSignature = NewError(CodeInvalidSignature, "invalid signature")
	ErrQuorumNotMet     = NewError(CodeQuorumNotMet, "quorum not met")
	ErrConfigInvalid    = NewValidationError("invalid configuration")
	ErrWatchOnly        = NewError(CodeWatchOnly, "node is watch-only")
)
