package orchestrator

import "fmt"

// State is one phase of a running turn.
type State string

const (
	// StateAwaitingDecision means the reasoner is being consulted.
	StateAwaitingDecision State = "awaiting_decision"
	// StateDispatching means tool actions are executing.
	StateDispatching State = "dispatching"
	// StateObserving means tool results are being merged into an observation.
	StateObserving State = "observing"
	// StateFinalized means the reasoner produced a final answer.
	StateFinalized State = "finalized"
	// StateCapped means the iteration cap forced a best-effort answer.
	StateCapped State = "capped"
	// StateFailed means the turn aborted without an answer.
	StateFailed State = "failed"
)

// stateTransitions is the allowed transition table. Terminal states have no
// successors.
var stateTransitions = map[State][]State{
	StateAwaitingDecision: {StateDispatching, StateFinalized, StateCapped, StateFailed},
	StateDispatching:      {StateObserving, StateFailed},
	StateObserving:        {StateAwaitingDecision, StateCapped, StateFailed},
	StateFinalized:        {},
	StateCapped:           {},
	StateFailed:           {},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(stateTransitions[s]) == 0
}

// canTransition reports whether moving from s to next is allowed.
func (s State) canTransition(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// machine tracks the current state of one turn and enforces the transition
// table. A violated transition is a programming error surfaced loudly
// instead of silently corrupting the turn.
type machine struct {
	state State
	sink  EventSink
}

func newMachine(sink EventSink) *machine {
	return &machine{state: StateAwaitingDecision, sink: sink}
}

func (m *machine) to(next State) error {
	if !m.state.canTransition(next) {
		return fmt.Errorf("invalid state transition %s -> %s", m.state, next)
	}
	m.state = next
	if m.sink != nil {
		m.sink(Event{Type: EventState, State: next})
	}
	return nil
}
