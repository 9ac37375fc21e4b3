package jobdb

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// State is the ordinal lifecycle stage of a job. Ordinals are stored as-is so that stores can answer range
// queries such as "all active jobs" with a single index scan.
type State int

const (
	Queued            State = 0
	ReadyForExecution State = 1
	Dispatched        State = 2
	Running           State = 3
	Completed         State = 100
	Failed            State = 101
	Cancelled         State = 102
)

const (
	// FirstActiveState is the lowest ordinal of a job that has been admitted and is not yet terminal.
	FirstActiveState = ReadyForExecution
	// FirstTerminalState is the lowest terminal ordinal. Any state at or above it is immutable.
	FirstTerminalState State = 100
)

var allStates = []State{Queued, ReadyForExecution, Dispatched, Running, Completed, Failed, Cancelled}

var stateNames = map[State]string{
	Queued:            "QUEUED",
	ReadyForExecution: "READY_FOR_EXECUTION",
	Dispatched:        "DISPATCHED",
	Running:           "RUNNING",
	Completed:         "COMPLETED",
	Failed:            "FAILED",
	Cancelled:         "CANCELLED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// AllStates returns every state in ordinal order.
func AllStates() []State {
	return append([]State(nil), allStates...)
}

// IsTerminal returns true for COMPLETED, FAILED and CANCELLED.
func (s State) IsTerminal() bool {
	return s >= FirstTerminalState
}

// IsActive returns true for states between admission and termination, i.e. ordinals 1..99.
func (s State) IsActive() bool {
	return s >= FirstActiveState && s < FirstTerminalState
}

// ParseState converts a state name (case-insensitive) into a State.
func ParseState(name string) (State, error) {
	for state, stateName := range stateNames {
		if strings.EqualFold(stateName, name) {
			return state, nil
		}
	}
	return Queued, errors.Errorf("unknown job state %q", name)
}

// ResourceState records whether the quantized resource described by a job's ResourceRequest is currently held.
type ResourceState int

const (
	ResourceUnset    ResourceState = 0
	ResourceReserved ResourceState = 1
)

func (s ResourceState) String() string {
	switch s {
	case ResourceUnset:
		return "UNSET"
	case ResourceReserved:
		return "RESERVED"
	default:
		return fmt.Sprintf("RESOURCE_STATE(%d)", int(s))
	}
}

// legalTransitions lists, for each non-terminal state, the states it may move to.
// Terminal states have no entry and so can never move.
var legalTransitions = map[State]map[State]bool{
	Queued: {
		ReadyForExecution: true,
		Failed:            true,
		Cancelled:         true,
	},
	ReadyForExecution: {
		Queued:     true,
		Dispatched: true,
		Failed:     true,
		Cancelled:  true,
	},
	Dispatched: {
		Queued:    true,
		Running:   true,
		Completed: true,
		Failed:    true,
		Cancelled: true,
	},
	Running: {
		Queued:    true,
		Completed: true,
		Failed:    true,
		Cancelled: true,
	},
}

// CanTransition reports whether the state machine connects from to to.
func CanTransition(from, to State) bool {
	return legalTransitions[from][to]
}
