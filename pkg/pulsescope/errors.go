package pulsescope

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTimeout is returned by GetData when no reply arrived in time.
	// Nothing was consumed; the call may be retried.
	ErrTimeout = errors.New("snapshot request timed out")
	// ErrShapeMismatch is recorded when a batch does not match the shape of
	// the running average. The batch is dropped.
	ErrShapeMismatch = errors.New("frame batch shape mismatch")
	// ErrNoData is returned for a last-sweep request before any sweep completed.
	ErrNoData = errors.New("no sweep available")
	// ErrClosed is returned by every operation after Deactivate.
	ErrClosed = errors.New("pipeline deactivated")
)

// TransitionError is a rejected state machine trigger. It has no side effects.
type TransitionError struct {
	Trigger Trigger
	State   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Trigger, e.State)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// FaultError reports a terminal device fault that forced the pipeline back to
// idle.
type FaultError struct {
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("acquisition fault: %v", e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}
