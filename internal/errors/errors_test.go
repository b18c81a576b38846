// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

var allCodes = []ErrorCode{
	ErrInternal, ErrInvalid, ErrNotFound, ErrValidation,
	ErrDatabase, ErrMigration, ErrStoreLocked, ErrLocalPersistence,
	ErrInvalidPayload,
	ErrTimerRunning, ErrTimerNotRunning,
	ErrSyncNotConfigured, ErrSyncFailed, ErrSyncConflict, ErrSyncInProgress, ErrSyncOffline,
	ErrExportFailed, ErrImportFailed, ErrUnsupportedFormat, ErrLegacyMigration,
}

// TestErrorCodes_areUnique verifies all error codes are unique and upper case.
func TestErrorCodes_areUnique(t *testing.T) {
	seen := make(map[ErrorCode]bool)
	for _, code := range allCodes {
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		if s := string(code); s != strings.ToUpper(s) {
			t.Errorf("ErrorCode %q is not upper case", code)
		}
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrLocalPersistence, Message: "save task", Err: errors.New("disk full")},
			want:     "[LOCAL_PERSISTENCE_FAILED] save task: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping keeps the cause reachable.
func TestWrap(t *testing.T) {
	cause := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", cause)

	if err == nil {
		t.Fatal("Wrap() returned nil")
	}
	if err.Code != ErrDatabase {
		t.Errorf("Code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Message != "query failed" {
		t.Errorf("Message = %q, want %q", err.Message, "query failed")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

// TestNew verifies AppError creation.
func TestNew(t *testing.T) {
	err := New(ErrTimerRunning, "a timer is already running")

	if err.Code != ErrTimerRunning {
		t.Errorf("Code = %q, want %q", err.Code, ErrTimerRunning)
	}
	if err.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil", err.Unwrap())
	}
}

// TestIs verifies error code checking through wrapping layers.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "not found"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "not found"), ErrInternal, false},
		{"wrapped with fmt", fmt.Errorf("tracker: %w", New(ErrLocalPersistence, "x")), ErrLocalPersistence, true},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	inner := New(ErrInvalidPayload, "bad payload")
	outer := Wrap(ErrLocalPersistence, "enqueue", inner)

	tests := []struct {
		err  error
		want ErrorCode
	}{
		{outer, ErrLocalPersistence},
		{inner, ErrInvalidPayload},
		{errors.New("plain"), ErrInternal},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
