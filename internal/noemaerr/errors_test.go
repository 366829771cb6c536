package noemaerr

import (
	"errors"
	"testing"
)

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := NotFound("conversation abc123")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected NotFound to match ErrNotFound")
	}
	if !IsNotFound(err) {
		t.Fatal("expected IsNotFound to return true")
	}
}

func TestToolExecutionErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &ToolExecutionError{ToolName: "calc", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected ToolExecutionError to unwrap to cause")
	}
}

func TestStorageWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("insert turn", cause)
	if !errors.Is(err, ErrStorage) {
		t.Fatal("expected Storage() to match ErrStorage")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Storage() to preserve cause")
	}
}
