package eventbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/errs"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
)

func TestMemoryBus_DispatchesToTypedAndCatchAllHandlers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var typedCalls, allCalls int
	bus.Subscribe(eventtypes.BookCreated, func(ctx context.Context, e eventstore.Event) error {
		typedCalls++
		return nil
	})
	bus.SubscribeAll(func(ctx context.Context, e eventstore.Event) error {
		allCalls++
		return nil
	})

	event := eventstore.Event{AggregateID: "book-1", EventType: eventtypes.BookCreated, Payload: json.RawMessage(`{}`)}
	require.NoError(t, bus.Publish(ctx, event))

	require.Equal(t, 1, typedCalls)
	require.Equal(t, 1, allCalls)
}

func TestMemoryBus_HandlerFailureSynthesizesFailedEvent(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	bus.Subscribe(eventtypes.BookCreated, func(ctx context.Context, e eventstore.Event) error {
		return errs.New(errs.KindValidation, "bad_isbn", "isbn malformed")
	})

	event := eventstore.Event{AggregateID: "book-1", EventType: eventtypes.BookCreated, Payload: json.RawMessage(`{}`)}
	require.NoError(t, bus.Publish(ctx, event))

	published := bus.Published()
	require.Len(t, published, 2)
	require.Equal(t, eventtypes.BookCreated, published[0].EventType)
	require.Equal(t, eventtypes.Failed(eventtypes.BookCreated), published[1].EventType)

	var failure FailurePayload
	require.NoError(t, json.Unmarshal(published[1].Payload, &failure))
	require.Equal(t, errs.KindValidation, failure.Kind)
	require.Equal(t, "book-1", failure.Original.AggregateID)
}

func TestMemoryBus_BindEventTypesIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.BindEventTypes([]eventtypes.Type{eventtypes.BookCreated, eventtypes.BookCreated}))
	require.True(t, bus.bound[eventtypes.BookCreated])
}
