// Package faults defines the error taxonomy shared by the story engine.
// Lower packages wrap these sentinels; the session decides how loudly to fail.
package faults

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrStreamFailure marks a generation that errored or disconnected mid-stream.
	ErrStreamFailure = errors.New("stream failure")
	// ErrMergeRejected marks a bible update whose result was not applied.
	ErrMergeRejected = errors.New("bible merge rejected")
	// ErrInvariantViolation marks a programming defect (e.g. undo with nothing to undo).
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrUnsupportedEnvironment marks an optional capability that is unavailable.
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
)

// Invariant wraps msg as an invariant violation.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Policy decides what happens when an invariant violation reaches a boundary.
// Strict panics (development); otherwise the violation is logged and swallowed.
type Policy struct {
	Strict bool
}

// Handle applies the policy to err. Non-invariant errors are returned as-is.
// In production mode invariant violations are logged and nil is returned so
// the caller can no-op.
func (p Policy) Handle(err error) error {
	if err == nil || !errors.Is(err, ErrInvariantViolation) {
		return err
	}
	if p.Strict {
		panic(err)
	}
	slog.Error("invariant violation ignored", "error", err)
	return nil
}
