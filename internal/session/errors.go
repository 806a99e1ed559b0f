package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrAlreadyExists indicates a session is already registered for the id.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotFound indicates no session is registered for the id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition indicates an illegal state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidTransitionError reports a lifecycle event fired from a state it is
// not legal in.
type InvalidTransitionError struct {
	From  CallState
	Event CallEvent
}

// Error returns the error message.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot apply %s in state %s", e.Event, e.From)
}

// Unwrap returns ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
