// Package flow holds the profile and task-response state machines, the dispatcher
// that applies them to persisted records, and the outbound message generators.
package flow

import (
	"errors"
	"fmt"
)

// Transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoEvidence        = errors.New("reply carries no evidence")
)

// transitionKey is one row of a transition table.
type transitionKey[S ~string, T ~string] struct {
	from    S
	trigger T
}

// table is a typed transition table. Lookups that miss are invalid transitions.
type table[S ~string, T ~string] map[transitionKey[S, T]]S

func (t table[S, T]) next(from S, trigger T) (S, error) {
	to, ok := t[transitionKey[S, T]{from: from, trigger: trigger}]
	if !ok {
		var zero S
		return zero, fmt.Errorf("%w: %q on %q", ErrInvalidTransition, from, trigger)
	}
	return to, nil
}
