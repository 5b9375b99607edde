package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidParameter, "no viable open mode")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidParameter {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidParameter)
		}
		if err.Category != CategoryParameter {
			t.Errorf("Category = %v, want %v", err.Category, CategoryParameter)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details and Context maps must be initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeNetworkError, "reset").Retryable {
			t.Error("NetworkError should be retryable by default")
		}
		if NewError(ErrCodeNotFound, "missing").Retryable {
			t.Error("NotFound should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidParameter, CategoryParameter},
		{ErrCodeParseError, CategoryParameter},
		{ErrCodeNotFound, CategoryStream},
		{ErrCodeCloseFailure, CategoryStream},
		{ErrCodeOutOfRange, CategoryResource},
		{ErrCodeBufferTooSmall, CategoryResource},
		{ErrCodeCancelled, CategoryStatus},
		{ErrCodeTimedOut, CategoryStatus},
		{ErrCodeCircuitOpen, CategoryTransport},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestVFileError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *VFileError
		want string
	}{
		{
			name: "code only",
			err:  NewError(ErrCodeNotFound, "missing.bin"),
			want: "NOT_FOUND: missing.bin",
		},
		{
			name: "component",
			err:  NewError(ErrCodeOpenFailure, "no adapter").WithComponent("registry"),
			want: "[registry] OPEN_FAILURE: no adapter",
		},
		{
			name: "component and operation with cause",
			err: NewError(ErrCodeCloseFailure, "release failed").
				WithComponent("local").WithOperation("Close").WithCause(fmt.Errorf("disk gone")),
			want: "[local:Close] CLOSE_FAILURE: release failed: disk gone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(cause, ErrCodeReadFailure, "read failed"))

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
	if !errors.Is(err, &VFileError{Code: ErrCodeReadFailure}) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is must not match a different code")
	}

	var vErr *VFileError
	if !errors.As(err, &vErr) {
		t.Fatal("errors.As should find the VFileError")
	}
	if vErr.Code != ErrCodeReadFailure {
		t.Errorf("Code = %v, want %v", vErr.Code, ErrCodeReadFailure)
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	wrapped := fmt.Errorf("ctx: %w", NewError(ErrCodeTimedOut, "slow"))
	if got := CodeOf(wrapped); got != ErrCodeTimedOut {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, ErrCodeTimedOut)
	}
	if !IsCode(wrapped, ErrCodeTimedOut) {
		t.Error("IsCode should report true for the wrapped code")
	}
	if IsCode(nil, ErrCodeTimedOut) {
		t.Error("IsCode(nil) must be false")
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeOutOfRange, "offset past end").
		WithContext("path", "raw://AAAA").
		WithDetail("offset", int64(12)).
		WithRetryable(true).
		WithStack()

	if err.Context["path"] != "raw://AAAA" {
		t.Errorf("Context[path] = %q", err.Context["path"])
	}
	if err.Details["offset"] != int64(12) {
		t.Errorf("Details[offset] = %v", err.Details["offset"])
	}
	if !err.Retryable {
		t.Error("WithRetryable(true) not applied")
	}
	if err.Stack == "" {
		t.Error("WithStack should capture frames")
	}

	s := err.String()
	for _, want := range []string{"Code=OUT_OF_RANGE", "Category=resource", "Retryable=true", "Details="} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestVFileError_JSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeNotFound, "missing").WithComponent("local").WithCause(errors.New("hidden"))

	var decoded map[string]interface{}
	if jerr := json.Unmarshal([]byte(err.JSON()), &decoded); jerr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", jerr)
	}
	if decoded["code"] != "NOT_FOUND" {
		t.Errorf("code = %v, want NOT_FOUND", decoded["code"])
	}
	if _, ok := decoded["Cause"]; ok {
		t.Error("cause must not be serialized")
	}
}
