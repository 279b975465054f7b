package vaulterr

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	e := New(InvalidInput, "amount is required")
	want := "INVALID_INPUT: amount is required"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	wrapped := Wrap(Internal, "store failed", errors.New("connection refused"))
	want = "INTERNAL: store failed: connection refused"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

func TestErrors_Is_AgainstSentinel(t *testing.T) {
	err := Newf(NotFound, "authorization %s not found", "abc-123")
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound) to be true")
	}
	if errors.Is(err, ErrForbidden) {
		t.Error("expected errors.Is(err, ErrForbidden) to be false")
	}
}

func TestErrors_As(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(StoreConflict, "optimistic update lost the race", cause)

	var target *Error
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to succeed")
	}
	if target.Code != StoreConflict {
		t.Errorf("Code = %v, want %v", target.Code, StoreConflict)
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause to errors.Is")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(Forbidden, "nope")); got != Forbidden {
		t.Errorf("CodeOf = %v, want %v", got, Forbidden)
	}
	if got := CodeOf(errors.New("plain error")); got != Internal {
		t.Errorf("CodeOf(plain error) = %v, want %v", got, Internal)
	}
	if got := CodeOf(nil); got != Internal {
		t.Errorf("CodeOf(nil) = %v, want %v", got, Internal)
	}
}
