package bridge

import (
	"errors"
	"fmt"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrNotActive is returned by Tick outside the Active state.
	ErrNotActive     = errors.New("bridge is not active")
	ErrAlreadyActive = errors.New("bridge is already active")
)

var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateActive, StateError},
	StateActive:       {StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
