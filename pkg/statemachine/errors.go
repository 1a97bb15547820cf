package statemachine

import (
	"errors"
	"fmt"
)

var ErrInvalidDefinition = errors.New("invalid state machine definition")

// NoTransitionError is returned when the current state has no transition
// for the fired event.
type NoTransitionError struct {
	State State
	Event Event
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition from state %q for event %q", e.State, e.Event)
}

// RejectedError is returned when every candidate transition was refused by
// its guard.
type RejectedError struct {
	State State
	Event Event
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition from state %q for event %q rejected by guard", e.State, e.Event)
}

func IsNoTransition(err error) bool {
	var e *NoTransitionError
	return errors.As(err, &e)
}

func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}
