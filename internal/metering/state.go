package metering

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("metering: invalid input")
	ErrUpstreamProvider = errors.New("metering: upstream provider error")
)

// State is a step of the per-request metering flow.
type State int

const (
	StateAuthorizing State = iota
	StatePricing
	StateBilling
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StatePricing:
		return "pricing"
	case StateBilling:
		return "billing"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StageError records the state in which a flow moved to StateFailed.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("metering: failed during %s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fail(state State, err error) error {
	return &StageError{State: state, Err: err}
}

// FailedState extracts the state a flow failed in, or StateDone when err is
// not a *StageError.
func FailedState(err error) State {
	var se *StageError
	if errors.As(err, &se) {
		return se.State
	}
	return StateDone
}
