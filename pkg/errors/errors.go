// Package errors provides the structured error taxonomy used across the vfile layer.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies the kind of failure, independent of the adapter that produced it.
type ErrorCode string

const (
	// Parameter and state errors
	ErrCodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeNothingToDo      ErrorCode = "NOTHING_TO_DO"
	ErrCodeParseError       ErrorCode = "PARSE_ERROR"

	// Stream lifecycle errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeOpenFailure  ErrorCode = "OPEN_FAILURE"
	ErrCodeCloseFailure ErrorCode = "CLOSE_FAILURE"
	ErrCodeReadFailure  ErrorCode = "READ_FAILURE"
	ErrCodeWriteFailure ErrorCode = "WRITE_FAILURE"

	// Bounds and resource errors
	ErrCodeOutOfRange              ErrorCode = "OUT_OF_RANGE"
	ErrCodeBufferTooSmall          ErrorCode = "BUFFER_TOO_SMALL"
	ErrCodeMemoryAllocationFailure ErrorCode = "MEMORY_ALLOCATION_FAILURE"

	// Asynchronous request statuses
	ErrCodeCancelled ErrorCode = "CANCELLED"
	ErrCodeTimedOut  ErrorCode = "TIMED_OUT"

	// Transport errors
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCodeAccessDenied      ErrorCode = "ACCESS_DENIED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryParameter ErrorCategory = "parameter"
	CategoryStream    ErrorCategory = "stream"
	CategoryResource  ErrorCategory = "resource"
	CategoryStatus    ErrorCategory = "status"
	CategoryTransport ErrorCategory = "transport"
	CategoryInternal  ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidParameter:        CategoryParameter,
	ErrCodeInvalidConfig:           CategoryParameter,
	ErrCodeNothingToDo:             CategoryParameter,
	ErrCodeParseError:              CategoryParameter,
	ErrCodeNotFound:                CategoryStream,
	ErrCodeOpenFailure:             CategoryStream,
	ErrCodeCloseFailure:            CategoryStream,
	ErrCodeReadFailure:             CategoryStream,
	ErrCodeWriteFailure:            CategoryStream,
	ErrCodeOutOfRange:              CategoryResource,
	ErrCodeBufferTooSmall:          CategoryResource,
	ErrCodeMemoryAllocationFailure: CategoryResource,
	ErrCodeCancelled:               CategoryStatus,
	ErrCodeTimedOut:                CategoryStatus,
	ErrCodeNetworkError:            CategoryTransport,
	ErrCodeConnectionTimeout:       CategoryTransport,
	ErrCodeCircuitOpen:             CategoryTransport,
	ErrCodeAccessDenied:            CategoryTransport,
}

// VFileError is a structured error carrying a code, its origin and an optional cause.
type VFileError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *VFileError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *VFileError) Unwrap() error {
	return e.Cause
}

// Is matches another *VFileError with the same code, so sentinel values work with errors.Is.
func (e *VFileError) Is(target error) bool {
	if t, ok := target.(*VFileError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *VFileError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("VFileError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *VFileError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with defaults derived from its code.
func NewError(code ErrorCode, message string) *VFileError {
	return &VFileError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *VFileError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *VFileError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory returns the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault reports whether a code describes a transient condition.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkError, ErrCodeConnectionTimeout, ErrCodeInternalError:
		return true
	}
	return false
}

// CodeOf returns the code of the first VFileError in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var e *VFileError
	if stderr.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err's chain contains a VFileError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *VFileError) WithContext(key, value string) *VFileError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *VFileError) WithDetail(key string, value interface{}) *VFileError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *VFileError) WithComponent(component string) *VFileError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *VFileError) WithOperation(operation string) *VFileError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *VFileError) WithCause(cause error) *VFileError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable default.
func (e *VFileError) WithRetryable(retryable bool) *VFileError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *VFileError) WithStack() *VFileError {
	e.Stack = CaptureStack(2)
	return e
}

// Sentinels for errors.Is comparisons. They match any VFileError with the same code.
var (
	ErrInvalidParameter = &VFileError{Code: ErrCodeInvalidParameter}
	ErrNotFound         = &VFileError{Code: ErrCodeNotFound}
	ErrOpenFailure      = &VFileError{Code: ErrCodeOpenFailure}
	ErrCloseFailure     = &VFileError{Code: ErrCodeCloseFailure}
	ErrOutOfRange       = &VFileError{Code: ErrCodeOutOfRange}
	ErrBufferTooSmall   = &VFileError{Code: ErrCodeBufferTooSmall}
	ErrCancelled        = &VFileError{Code: ErrCodeCancelled}
	ErrTimedOut         = &VFileError{Code: ErrCodeTimedOut}
	ErrNothingToDo      = &VFileError{Code: ErrCodeNothingToDo}
)
