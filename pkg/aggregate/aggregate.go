// Package aggregate is the shared aggregate-root contract every bounded
// context's domain type implements: record events from commands, track the
// per-aggregate version, buffer uncommitted events for the store, and
// rebuild state by replaying history. Events carry a typed
// eventtypes.Type and a JSON payload, matching the wire shape
// pkg/eventstore persists.
package aggregate

import (
	"encoding/json"

	"libranexus/pkg/eventtypes"
)

// Pending is an event recorded by domain logic but not yet appended to the
// store. The aggregate assigns EventType/Payload; the command handlers
// append without a CorrelationID/CausationID, so the store generates the
// correlation id.
type Pending struct {
	EventType eventtypes.Type
	Payload   json.RawMessage
}

// Root is the contract every aggregate implements.
type Root interface {
	// ID returns the aggregate's identity, used as the event store's
	// aggregateId.
	ID() string

	// Apply mutates state in response to a single stored event. Called
	// during rehydration; mutation methods set their fields directly and
	// call Record rather than Apply.
	Apply(eventType eventtypes.Type, payload json.RawMessage) error

	// Version is the number of events applied or recorded so far,
	// including unflushed ones. With nothing pending it equals the next
	// Append's expectedVersion; Flush reports that value otherwise.
	Version() int

	// Deleted reports whether a terminal *Deleted event has been applied;
	// most command handlers reject further mutation once true.
	Deleted() bool

	// Flush returns every event recorded since the last Flush and the
	// expectedVersion Append should use to persist them, then clears the
	// pending buffer.
	Flush() (pending []Pending, expectedVersion int)
}

// Base is embedded by concrete aggregates to get Version/Flush/Deleted
// bookkeeping for free; the concrete type still implements ID and Apply,
// and calls Record from its mutation methods.
type Base struct {
	version int
	pending []Pending
	deleted bool
}

// Record buffers a new event and advances the version counter. It does not
// mutate domain state itself: a concrete aggregate's mutation method calls
// its local field mutation and Base.Record together.
func (b *Base) Record(eventType eventtypes.Type, payload json.RawMessage) {
	b.pending = append(b.pending, Pending{EventType: eventType, Payload: payload})
	b.version++
	if isTerminal(eventType) {
		b.deleted = true
	}
}

// ApplyHistorical advances version during rehydration without adding to the
// pending buffer (the event already exists in the store).
func (b *Base) ApplyHistorical(eventType eventtypes.Type) {
	b.version++
	if isTerminal(eventType) {
		b.deleted = true
	}
}

func (b *Base) Version() int { return b.version }

func (b *Base) Deleted() bool { return b.deleted }

func (b *Base) Flush() ([]Pending, int) {
	n := len(b.pending)
	expected := b.version - n
	out := make([]Pending, n)
	copy(out, b.pending)
	b.pending = nil
	return out, expected
}

func isTerminal(t eventtypes.Type) bool {
	s := string(t)
	return len(s) >= 7 && s[len(s)-7:] == "Deleted"
}

// Rehydrate replays a stream of stored (eventType, payload) pairs against an
// aggregate's Apply method, in order, reconstructing current state. Command
// handlers call this after loading from the event store; it leaves the
// pending buffer empty since none of the replayed events are new.
func Rehydrate(root Root, events []Stored) error {
	for _, ev := range events {
		if err := root.Apply(ev.EventType, ev.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Stored is the minimal shape Rehydrate needs from an eventstore.Event,
// kept decoupled from pkg/eventstore so this package has no import cycle
// back to the store.
type Stored struct {
	EventType eventtypes.Type
	Payload   json.RawMessage
}
