package lifecycle

import (
	"errors"
	"testing"
)

func TestForwardPath(t *testing.T) {
	path := []State{
		StateCreated, StatePlanning, StateArchitecture, StateTaskBreakdown,
		StateDevelopment, StateTesting, StateIntegration, StateDeploymentPrep,
		StateDeployment, StateValidation, StateCompleted,
	}
	for i := 0; i+1 < len(path); i++ {
		if err := Validate(path[i], path[i+1]); err != nil {
			t.Fatalf("%s -> %s: %v", path[i], path[i+1], err)
		}
	}
}

func TestEscapeStatesAlwaysAllowed(t *testing.T) {
	for _, from := range States() {
		if Terminal(from) {
			continue
		}
		for _, to := range []State{StatePaused, StateCancelled, StateFailed} {
			if from == StatePaused && to == StatePaused {
				continue
			}
			if err := Validate(from, to); err != nil {
				t.Errorf("%s -> %s should be allowed: %v", from, to, err)
			}
		}
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	escape := map[State]bool{StatePaused: true, StateCancelled: true, StateFailed: true}
	for _, from := range States() {
		allowed := map[State]bool{}
		for _, next := range Next(from) {
			allowed[next] = true
		}
		for _, to := range States() {
			if allowed[to] || (escape[to] && !Terminal(from) && !(from == StatePaused && to == StatePaused)) {
				continue
			}
			err := Validate(from, to)
			if err == nil {
				t.Errorf("%s -> %s should be rejected", from, to)
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: want ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []State{StateCompleted, StateCancelled, StateFailed} {
		for _, to := range States() {
			if err := Validate(from, to); err == nil {
				t.Errorf("terminal %s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestPausedResumesToInterruptedStates(t *testing.T) {
	for _, to := range []State{StatePlanning, StateDevelopment, StateTesting, StateDeployment} {
		if err := Validate(StatePaused, to); err != nil {
			t.Errorf("paused -> %s should be allowed: %v", to, err)
		}
	}
	if err := Validate(StatePaused, StateCompleted); err == nil {
		t.Error("paused -> completed should require finishing the workflow first")
	}
}

func TestUnknownStateRejected(t *testing.T) {
	if err := Validate(State("launching"), StatePlanning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unknown from-state: got %v", err)
	}
	if err := Validate(StateCreated, State("warp")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unknown to-state: got %v", err)
	}
}
