package types

import "fmt"

// RunState is the lifecycle state of one suite run. Transitions are
// validated against an explicit table so an illegal move (e.g. reporting
// before the collector finalized) fails loudly instead of silently
// corrupting the run.
type RunState string

const (
	RunStatePending    RunState = "pending"
	RunStateRunning    RunState = "running"
	RunStateCollecting RunState = "collecting"
	RunStateReporting  RunState = "reporting"
	RunStateDone       RunState = "done"
	RunStateAborted    RunState = "aborted"
)

// allowedTransitions maps each state to the states it may move to.
// Aborted is reachable from every non-terminal state.
var allowedTransitions = map[RunState][]RunState{
	RunStatePending:    {RunStateRunning, RunStateAborted},
	RunStateRunning:    {RunStateCollecting, RunStateAborted},
	RunStateCollecting: {RunStateReporting, RunStateAborted},
	RunStateReporting:  {RunStateDone, RunStateAborted},
	RunStateDone:       {},
	RunStateAborted:    {},
}

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateAborted
}

// CanTransition reports whether moving from s to next is legal.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, or an error naming both
// states if it is not.
func (s RunState) Transition(next RunState) (RunState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal run state transition %s -> %s", s, next)
	}
	return next, nil
}
