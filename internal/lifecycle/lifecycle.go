// Package lifecycle validates Call state transitions against the allowed
// graph and reports which states are terminal.
package lifecycle

import (
	"callrelay/broker/internal/callerr"
	"callrelay/broker/internal/model"
)

// allowed maps each state to the set of states it may transition into.
var allowed = map[model.State]map[model.State]bool{
	model.StateInProgress: {model.StateCompleted: true},
	model.StateCompleted:  {model.StateProcessing: true},
	model.StateProcessing: {model.StateArchived: true, model.StateFailed: true},
}

// IsTerminal reports whether state permits no further transitions.
func IsTerminal(state model.State) bool {
	return state == model.StateArchived || state == model.StateFailed
}

// Transition validates and applies from -> to on call, returning an
// InvalidTransition error (never applying the mutation) when the edge is
// not present in the graph.
func Transition(call *model.Call, to model.State) error {
	from := call.State
	next, ok := allowed[from]
	if !ok || !next[to] {
		return callerr.New(callerr.InvalidTransition, string(from)+" -> "+string(to)+" is not a permitted transition")
	}
	call.State = to
	return nil
}
