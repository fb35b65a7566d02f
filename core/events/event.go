package events

import "verto/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Typed is implemented by events that can render themselves as a
// types.Event for receipts, RPC and indexers.
type Typed interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder collects emitted events in order. Tests and the state transition
// use it to capture the events of a single transaction.
type Recorder struct {
	events []*types.Event
}

// Emit implements the Emitter interface. Events that cannot render themselves
// are recorded with their type only.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	if typed, ok := evt.(Typed); ok {
		if rendered := typed.Event(); rendered != nil {
			clone := rendered.Clone()
			r.events = append(r.events, &clone)
			return
		}
	}
	r.events = append(r.events, &types.Event{Type: evt.EventType(), Attributes: map[string]string{}})
}

// Events returns the recorded events.
func (r *Recorder) Events() []*types.Event {
	if r == nil {
		return nil
	}
	return r.events
}

// Truncate drops every event recorded after the first n.
func (r *Recorder) Truncate(n int) {
	if r == nil || n < 0 || n >= len(r.events) {
		return
	}
	r.events = r.events[:n]
}

// Len reports the number of recorded events.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.events)
}
