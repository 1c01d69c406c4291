package pipeline

import "fmt"

// State is a scoring job's position in the pipeline.
type State string

const (
	StateQueued         State = "queued"
	StateContextLoading State = "context_loading"
	StateCleaning       State = "cleaning"
	StateExtracting     State = "extracting"
	StateSynthesizing   State = "synthesizing"
	StateCompleted      State = "completed"

	StateMalformedInput      State = "malformed_input"
	StateContextFailed       State = "context_failed"
	StateExtractionExhausted State = "extraction_exhausted"
	StateSynthesisFailed     State = "synthesis_failed"
	StateTimedOut            State = "timed_out"
)

// Cleaning and context loading run concurrently. The job sits in
// context_loading until context resolves, then in cleaning until the
// transcript is ready, so either prep failure is reachable from both.
var transitions = map[State][]State{
	StateQueued:         {StateContextLoading, StateMalformedInput, StateTimedOut},
	StateContextLoading: {StateCleaning, StateContextFailed, StateMalformedInput, StateTimedOut},
	StateCleaning:       {StateExtracting, StateMalformedInput, StateTimedOut},
	StateExtracting:     {StateSynthesizing, StateExtractionExhausted, StateTimedOut},
	StateSynthesizing:   {StateCompleted, StateSynthesisFailed, StateTimedOut},
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
