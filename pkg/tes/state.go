package tes

import (
	"fmt"
)

// State is the lifecycle state of a task.
type State string

const (
	Unknown       State = "UNKNOWN"
	Queued        State = "QUEUED"
	Initializing  State = "INITIALIZING"
	Running       State = "RUNNING"
	Paused        State = "PAUSED"
	Complete      State = "COMPLETE"
	ExecutorError State = "EXECUTOR_ERROR"
	SystemError   State = "SYSTEM_ERROR"
	Canceled      State = "CANCELED"
	Canceling     State = "CANCELING"
	Preempted     State = "PREEMPTED"
)

// AsState parses a state string as sent on the wire.
func AsState(s string) (State, error) {
	switch st := State(s); st {
	case Unknown, Queued, Initializing, Running, Paused,
		Complete, ExecutorError, SystemError, Canceled, Canceling, Preempted:
		return st, nil
	default:
		return Unknown, fmt.Errorf("unknown task state: %s", s)
	}
}

// Terminal states admit no further transitions.
func (s State) Terminal() bool {
	switch s {
	case Complete, ExecutorError, SystemError, Canceled, Preempted:
		return true
	default:
		return false
	}
}

// transitions is the directed edge set of the task state graph. CANCELING is
// reachable from every non-terminal state and is handled in CanTransit.
var transitions = map[State][]State{
	Queued:       {Initializing, ExecutorError, SystemError, Preempted},
	Initializing: {Running, ExecutorError, SystemError, Preempted},
	Running:      {Complete, ExecutorError, SystemError, Preempted, Paused},
	Paused:       {Running},
	Canceling:    {Canceled},
}

// CanTransit reports whether the edge from → to exists in the state graph.
func CanTransit(from, to State) bool {
	if from == to {
		return false
	}
	if to == Canceling {
		return !from.Terminal() && from != Canceling
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
