package eventbus

import (
	"context"
	"fmt"
	"sync"

	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
)

// MemoryBus is an in-process Bus used by unit tests and local development,
// mirroring NATSBus's dispatch/failure-synthesis semantics without a
// broker.
type MemoryBus struct {
	mu        sync.Mutex
	handlers  map[eventtypes.Type][]Handler
	catchAll  []Handler
	bound     map[eventtypes.Type]bool
	published []eventstore.Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[eventtypes.Type][]Handler),
		bound:    make(map[eventtypes.Type]bool),
	}
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) Init(ctx context.Context) error { return nil }

func (b *MemoryBus) Subscribe(eventType eventtypes.Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.bound[eventType] = true
}

func (b *MemoryBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, handler)
}

func (b *MemoryBus) Unsubscribe(eventType eventtypes.Type, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.handlers[eventType]
	if !ok {
		return false
	}
	target := fmt.Sprintf("%p", handler)
	for i, h := range existing {
		if fmt.Sprintf("%p", h) == target {
			b.handlers[eventType] = append(existing[:i], existing[i+1:]...)
			return true
		}
	}
	return false
}

func (b *MemoryBus) BindEventTypes(eventTypes []eventtypes.Type) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.bound[t] = true
	}
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, event eventstore.Event) error {
	b.mu.Lock()
	b.published = append(b.published, event)
	handlers := append([]Handler{}, b.handlers[event.EventType]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			failedType, payload := marshalFailure(event, err)
			failure := event
			failure.EventType = failedType
			failure.Payload = payload
			_ = b.Publish(ctx, failure)
		}
	}
	return nil
}

func (b *MemoryBus) StartConsuming(ctx context.Context) error { return nil }

func (b *MemoryBus) Shutdown(ctx context.Context) error { return nil }

func (b *MemoryBus) CheckHealth(ctx context.Context) (Health, error) {
	return Health{Status: "up", Details: "in-memory"}, nil
}

// Published returns every event handed to Publish, for test assertions.
func (b *MemoryBus) Published() []eventstore.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventstore.Event, len(b.published))
	copy(out, b.published)
	return out
}
