// Package lifecycle defines the project state machine. It is a pure
// transition validator: effects of entering a state are dispatched by the
// orchestrator, never from here.
package lifecycle

import (
	"errors"
	"fmt"
)

type State string

const (
	StateCreated        State = "created"
	StatePlanning       State = "planning"
	StateArchitecture   State = "architecture"
	StateTaskBreakdown  State = "task_breakdown"
	StateDevelopment    State = "development"
	StateTesting        State = "testing"
	StateIntegration    State = "integration"
	StateDeploymentPrep State = "deployment_prep"
	StateDeployment     State = "deployment"
	StateValidation     State = "validation"
	StateMaintenance    State = "maintenance"
	StateCompleted      State = "completed"
	StatePaused         State = "paused"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// ErrInvalidTransition is returned for any move the table forbids. It always
// indicates a caller bug and is never retried.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions is the forward path of the development lifecycle. The escape
// states (paused, cancelled, failed) are reachable from any non-terminal
// state and are handled in Validate rather than listed per row.
var transitions = map[State][]State{
	StateCreated:        {StatePlanning},
	StatePlanning:       {StateArchitecture},
	StateArchitecture:   {StateTaskBreakdown},
	StateTaskBreakdown:  {StateDevelopment},
	StateDevelopment:    {StateTesting},
	StateTesting:        {StateIntegration, StateDevelopment},
	StateIntegration:    {StateDeploymentPrep},
	StateDeploymentPrep: {StateDeployment},
	StateDeployment:     {StateValidation},
	StateValidation:     {StateMaintenance, StateCompleted},
	StateMaintenance:    {StateCompleted, StateDevelopment},
	// paused resumes into whichever active state it interrupted.
	StatePaused: {
		StateCreated, StatePlanning, StateArchitecture, StateTaskBreakdown,
		StateDevelopment, StateTesting, StateIntegration, StateDeploymentPrep,
		StateDeployment, StateValidation, StateMaintenance,
	},
	StateCompleted: {},
	StateCancelled: {},
	StateFailed:    {},
}

var escapeStates = map[State]struct{}{
	StatePaused:    {},
	StateCancelled: {},
	StateFailed:    {},
}

// Valid reports whether s names a known state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func Terminal(s State) bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Validate returns nil when moving from -> to is allowed.
func Validate(from, to State) error {
	if !Valid(from) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if !Valid(to) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if Terminal(from) {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if _, escape := escapeStates[to]; escape {
		if to == StatePaused && from == StatePaused {
			return fmt.Errorf("%w: already paused", ErrInvalidTransition)
		}
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Next returns the allowed forward targets from s, excluding escapes.
func Next(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StateCreated, StatePlanning, StateArchitecture, StateTaskBreakdown,
		StateDevelopment, StateTesting, StateIntegration, StateDeploymentPrep,
		StateDeployment, StateValidation, StateMaintenance, StateCompleted,
		StatePaused, StateCancelled, StateFailed,
	}
}
