package domain

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued        JobState = "QUEUED"
	StateResolving     JobState = "RESOLVING"
	StateFetching      JobState = "FETCHING"
	StateTranscoding   JobState = "TRANSCODING"
	StateDone          JobState = "DONE"
	StatePartiallyDone JobState = "PARTIALLY_DONE"
	StateFailed        JobState = "FAILED"
	StateCancelled     JobState = "CANCELLED"
)

// transitions is the allowed edge set of the lifecycle state machine.
// Cancelled is reachable from every non-terminal state.
var transitions = map[JobState][]JobState{
	StateQueued:      {StateResolving, StateFailed, StateCancelled},
	StateResolving:   {StateFetching, StateFailed, StateCancelled},
	StateFetching:    {StateTranscoding, StateFailed, StateCancelled},
	StateTranscoding: {StateDone, StatePartiallyDone, StateFailed, StateCancelled},
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateDone, StatePartiallyDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateResolving, StateFetching, StateTranscoding,
		StateDone, StatePartiallyDone, StateFailed, StateCancelled:
		return true
	}
	return false
}
