package splax

import (
	"errors"
	"testing"

	"github.com/splax-s/splax/internal/capability"
)

func TestStructuredError(t *testing.T) {
	err := NewError("Grant", CodeCapability, "delegation depth exceeded")

	if err.Op != "Grant" {
		t.Errorf("Expected Op=Grant, got %s", err.Op)
	}
	if err.Code != CodeCapability {
		t.Errorf("Expected Code=CodeCapability, got %s", err.Code)
	}

	expected := "splax: delegation depth exceeded (op=Grant)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestProcessError(t *testing.T) {
	err := NewProcessError("Schedule", 42, CodeScheduler, "process not found")

	if err.PID != 42 {
		t.Errorf("Expected PID=42, got %d", err.PID)
	}
	expected := "splax: process not found (op=Schedule)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapErrorClassifiesCapabilitySentinel(t *testing.T) {
	err := WrapError("Check", capability.ErrRevoked)

	if err.Code != CodeCapability {
		t.Errorf("Expected Code=CodeCapability, got %s", err.Code)
	}
	if !errors.Is(err, capability.ErrRevoked) {
		t.Error("Expected wrapped error to satisfy errors.Is for ErrRevoked")
	}
}

func TestWrapErrorNilIsNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("WrapError(nil) must return a nil *Error so callers can return it unconditionally")
	}
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := NewProcessError("Block", 7, CodeScheduler, "boom")
	wrapped := WrapError("Outer", inner)

	if wrapped.Code != CodeScheduler {
		t.Errorf("Expected Code=CodeScheduler, got %s", wrapped.Code)
	}
	if wrapped.PID != 7 {
		t.Errorf("Expected PID=7, got %d", wrapped.PID)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("Call", CodeService, "request timed out")

	if !IsCode(err, CodeService) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, CodeIPC) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, CodeService) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestClassifyUnknownErrorIsInternal(t *testing.T) {
	err := WrapError("op", errors.New("something unrelated"))
	if err.Code != CodeInternal {
		t.Errorf("Expected Code=CodeInternal, got %s", err.Code)
	}
}
