package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError(t *testing.T) {
	err := New("TEST_001", "test error")

	if err.Code != "TEST_001" {
		t.Errorf("expected code TEST_001, got %s", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("expected message 'test error', got %s", err.Message)
	}
}

func TestAppErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := New("TEST_001", "test error", cause)

	if err.Cause != cause {
		t.Errorf("expected cause to be set")
	}
	if !strings.Contains(err.Error(), "underlying error") {
		t.Errorf("expected error string to contain cause, got %s", err.Error())
	}
	if err.Unwrap() != cause {
		t.Errorf("expected unwrap to return cause")
	}
}

func TestNewfKeepsSentinelIdentity(t *testing.T) {
	err := Newf(ErrOutOfRange, "heart rate %v outside [20, 250]", 300)

	if !stderrors.Is(err, ErrOutOfRange) {
		t.Error("expected detailed error to match its sentinel")
	}
	if stderrors.Is(err, ErrUnknownMetric) {
		t.Error("expected detailed error not to match a different sentinel")
	}
	if !strings.Contains(err.Error(), "VALIDATION_001") {
		t.Errorf("expected code in message, got %s", err.Error())
	}
}

func TestIsAppErrorThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("record: %w", Newf(ErrUnknownMetric, "unknown metric %q", "Steps"))

	if !IsAppError(wrapped) {
		t.Error("expected IsAppError to see through fmt wrapping")
	}
	if GetCode(wrapped) != "VALIDATION_002" {
		t.Errorf("expected VALIDATION_002, got %s", GetCode(wrapped))
	}
	if GetCode(fmt.Errorf("plain")) != "UNKNOWN" {
		t.Error("expected UNKNOWN for standard error")
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(cause, ErrTransientStore.Code, "insert reading")

	if !stderrors.Is(err, ErrTransientStore) {
		t.Error("expected wrapped error to match ErrTransientStore")
	}
	if err.Cause != cause {
		t.Error("expected cause to be set")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{Newf(ErrOutOfRange, "x"), http.StatusBadRequest},
		{ErrUnknownKey, http.StatusBadRequest},
		{Newf(ErrAlreadyTerminal, "dose taken"), http.StatusConflict},
		{ErrNotTriggered, http.StatusConflict},
		{Newf(ErrNotFound, "dose event %s", "x"), http.StatusNotFound},
		{ErrTransientStore, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
