package orchestrator

// EventType classifies turn progress events.
type EventType string

const (
	// EventState signals a state machine transition.
	EventState EventType = "state"
	// EventActions signals that tool actions are being dispatched.
	EventActions EventType = "actions"
	// EventObservation signals that tool results were merged.
	EventObservation EventType = "observation"
	// EventChunk carries incremental answer text.
	EventChunk EventType = "chunk"
)

// Event is one progress notification from a running turn.
type Event struct {
	Type  EventType
	State State    // set for EventState
	Names []string // set for EventActions
	Text  string   // set for EventChunk and EventObservation
}

// EventSink receives turn events. Implementations must be fast; the sink is
// called synchronously from the turn loop.
type EventSink func(Event)
