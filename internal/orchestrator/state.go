package orchestrator

import "fmt"

// TurnState tracks where a turn is in its lifecycle. Transitions are
// validated so ordering bugs surface as errors instead of silent
// misbehavior.
type TurnState string

const (
	StateIdle          TurnState = "idle"
	StateStreaming     TurnState = "streaming"
	StateToolsPending  TurnState = "tools_pending"
	StateToolExecuting TurnState = "tool_executing"
	StateCompleted     TurnState = "completed"
	StateAborted       TurnState = "aborted"
	StateErrored       TurnState = "errored"
)

var validTransitions = map[TurnState][]TurnState{
	StateIdle:          {StateStreaming, StateErrored, StateAborted},
	StateStreaming:     {StateToolsPending, StateCompleted, StateAborted, StateErrored},
	StateToolsPending:  {StateToolExecuting, StateAborted, StateErrored},
	StateToolExecuting: {StateStreaming, StateAborted, StateErrored},
}

// turnStateMachine is the per-turn lifecycle tracker. Not safe for
// concurrent use; each turn runs on a single goroutine.
type turnStateMachine struct {
	current TurnState
}

func newTurnStateMachine() *turnStateMachine {
	return &turnStateMachine{current: StateIdle}
}

func (m *turnStateMachine) State() TurnState {
	return m.current
}

// Transition moves to the next state, rejecting moves the lifecycle does
// not allow. Terminal states accept no further transitions.
func (m *turnStateMachine) Transition(to TurnState) error {
	for _, allowed := range validTransitions[m.current] {
		if allowed == to {
			m.current = to
			return nil
		}
	}
	return fmt.Errorf("invalid turn state transition %s -> %s", m.current, to)
}

// Terminal reports whether the turn has reached a final state.
func (m *turnStateMachine) Terminal() bool {
	switch m.current {
	case StateCompleted, StateAborted, StateErrored:
		return true
	}
	return false
}
