package controller

import "fmt"

// State is a controller lifecycle state.
type State string

const (
	StateIdle                 State = "idle"
	StateBootstrapping        State = "bootstrapping"
	StateAwaitingMutation     State = "awaiting_mutation"
	StateAwaitingVerification State = "awaiting_verification"
	StateCommitting           State = "committing"
	StateReverting            State = "reverting"
	StateHalted               State = "halted"
)

// Aborted attempts leave AwaitingMutation through Reverting, since the tree
// is restored unconditionally. A failed commit restores the same way.
var validTransitions = map[State][]State{
	StateIdle:                 {StateBootstrapping, StateAwaitingMutation, StateReverting, StateHalted},
	StateBootstrapping:        {StateIdle, StateHalted},
	StateAwaitingMutation:     {StateAwaitingVerification, StateReverting, StateHalted},
	StateAwaitingVerification: {StateCommitting, StateReverting, StateHalted},
	StateCommitting:           {StateIdle, StateReverting, StateHalted},
	StateReverting:            {StateIdle, StateHalted},
}

func checkTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid controller transition: %s → %s", from, to)
}

// StopReason says why Run returned.
type StopReason string

const (
	StopGoalReached StopReason = "goal_reached"
	StopMaxAttempts StopReason = "max_attempts"
	StopCancelled   StopReason = "cancelled"
	StopCircuitOpen StopReason = "circuit_open"
	StopFatal       StopReason = "fatal"
)
