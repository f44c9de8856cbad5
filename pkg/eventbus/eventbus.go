// Package eventbus is the reliable, typed, topic-routed pub/sub layer
// between bounded contexts: each service owns one durable queue, binds it
// to the event types it reacts to, and receives every event at least once.
// A message is acknowledged only after its handlers return.
package eventbus

import (
	"context"
	"encoding/json"

	"libranexus/pkg/errs"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
)

// Handler processes one delivered event. Returning an error causes the bus
// to synthesize a <Type>Failed event and ack the original.
type Handler func(ctx context.Context, event eventstore.Event) error

// Health mirrors the checkHealth() operation's {status, details} shape.
type Health struct {
	Status  string
	Details string
}

// Bus is the contract every bus backend implements.
type Bus interface {
	// Init establishes the transport and declares the exchange/stream and
	// this service's durable queue. Idempotent.
	Init(ctx context.Context) error

	// Subscribe registers handler for exactly one event type.
	Subscribe(eventType eventtypes.Type, handler Handler)

	// SubscribeAll registers a catch-all handler invoked for every event
	// type this service's queue receives.
	SubscribeAll(handler Handler)

	// Unsubscribe removes a per-type registration, reporting whether one
	// existed.
	Unsubscribe(eventType eventtypes.Type, handler Handler) bool

	// BindEventTypes idempotently records each routing key as bound for the
	// service queue even absent an active subscriber. Binding alone does not
	// retain events: NATSBus receives only what is published after the
	// service's durable consumer exists (first StartConsuming), and
	// MemoryBus delivers only to handlers registered at publish time.
	BindEventTypes(eventTypes []eventtypes.Type) error

	// Publish sends event using event.EventType as the routing key and
	// returns once the broker has confirmed receipt.
	Publish(ctx context.Context, event eventstore.Event) error

	// StartConsuming begins delivering messages to registered handlers.
	// Must be called after every Subscribe/SubscribeAll/BindEventTypes.
	StartConsuming(ctx context.Context) error

	// Shutdown stops consuming, drains in-flight handlers, and closes the
	// transport.
	Shutdown(ctx context.Context) error

	CheckHealth(ctx context.Context) (Health, error)
}

// FailurePayload is the body of a synthesized <Type>Failed event: the
// original event plus the error kind/message that caused the handler to
// fail.
type FailurePayload struct {
	Original eventstore.Event `json:"original"`
	Kind     errs.Kind        `json:"errorKind"`
	Message  string           `json:"errorMessage"`
}

func marshalFailure(original eventstore.Event, cause error) (eventtypes.Type, json.RawMessage) {
	failed := eventtypes.Failed(original.EventType)
	body := FailurePayload{
		Original: original,
		Kind:     errs.KindOf(cause),
		Message:  cause.Error(),
	}
	payload, _ := json.Marshal(body)
	return failed, payload
}
