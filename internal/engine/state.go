package engine

// State is a step of the orchestrator state machine.
type State string

const (
	StateInit               State = "INIT"
	StatePrecheck           State = "PRECHECK"
	StatePreCheckpoint      State = "PRE_CHECKPOINT"
	StateMutating           State = "MUTATING"
	StateLabelValidation    State = "LABEL_VALIDATION"
	StateBaselineValidation State = "BASELINE_VALIDATION"
	StatePostCheckpoint     State = "POST_CHECKPOINT"
	StateDone               State = "DONE"
	StateAborted            State = "ABORTED"
	StateFailed             State = "FAILED"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateFailed
}

// next lists the legal transitions. ABORTED is only reachable from the two
// checks; FAILED from any state that talks to a store.
var next = map[State][]State{
	StateInit:               {StatePrecheck},
	StatePrecheck:           {StatePreCheckpoint, StateAborted, StateFailed},
	StatePreCheckpoint:      {StateMutating, StateFailed},
	StateMutating:           {StateLabelValidation, StateFailed},
	StateLabelValidation:    {StateBaselineValidation, StateFailed},
	StateBaselineValidation: {StatePostCheckpoint, StateAborted, StateFailed},
	StatePostCheckpoint:     {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
