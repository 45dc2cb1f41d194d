package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestPolicyHandle(t *testing.T) {
	t.Run("passes through ordinary errors", func(t *testing.T) {
		want := errors.New("disk full")
		if got := (Policy{}).Handle(want); got != want {
			t.Errorf("Handle() = %v, want %v", got, want)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if got := (Policy{Strict: true}).Handle(nil); got != nil {
			t.Errorf("Handle(nil) = %v", got)
		}
	})

	t.Run("production swallows violations", func(t *testing.T) {
		err := Invariant("undo with %s", "nothing")
		if got := (Policy{}).Handle(err); got != nil {
			t.Errorf("Handle() = %v, want nil", got)
		}
	})

	t.Run("strict panics on wrapped violation", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic in strict mode")
			}
		}()
		err := fmt.Errorf("delete: %w", Invariant("span boundary mid-paragraph"))
		(Policy{Strict: true}).Handle(err)
	})
}

func TestInvariantWraps(t *testing.T) {
	err := Invariant("x=%d", 3)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("Invariant() does not wrap ErrInvariantViolation: %v", err)
	}
	if err.Error() != "invariant violation: x=3" {
		t.Errorf("Error() = %q", err.Error())
	}
}
