package migration

import (
	"github.com/canonical/vzdispatch/shared/api"
)

// State is the position of a session in the migration state machine.
type State int

// Session states.
const (
	StateCreated State = iota
	StatePreconditionsChecked
	StateStarted
	StateTransferInProgress
	StateCommitted
	StateRolledBack
	StateCancelled
)

var stateNames = map[State]string{
	StateCreated:              "created",
	StatePreconditionsChecked: "preconditions-checked",
	StateStarted:              "started",
	StateTransferInProgress:   "transfer-in-progress",
	StateCommitted:            "committed",
	StateRolledBack:           "rolled-back",
	StateCancelled:            "cancelled",
}

// String returns the name of the state.
func (s State) String() string {
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateCancelled
}

// Outcome is the final result of a migration session.
type Outcome struct {
	State State
	Code  api.ResultCode
	Err   error
}

func committed() Outcome {
	return Outcome{State: StateCommitted, Code: api.Success}
}

// failed builds the terminal outcome for err. Cancellation is a distinct state.
func failed(err error) Outcome {
	if api.IsCancelled(err) {
		return Outcome{State: StateCancelled, Code: api.OperationCancelled, Err: err}
	}

	return Outcome{State: StateRolledBack, Code: api.ResultCodeOf(err), Err: err}
}
