package books

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
)

func fakeLookup(docs map[string]*Doc) Lookup {
	return func(ctx context.Context, id string) (*Doc, error) {
		return docs[id], nil
	}
}

func TestValidationHandler_ValidBookPublishesValidResult(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	h := NewValidationHandler(fakeLookup(map[string]*Doc{
		"b1": {ID: "b1", PriceCents: 2500},
	}), bus, nil)
	h.Subscribe()

	req := eventtypes.BookValidationRequestedPayload{ReservationID: "r1", BookID: "b1"}
	payload, _ := json.Marshal(req)
	err := bus.Publish(context.Background(), eventstore.Event{
		EventType: eventtypes.BookValidationRequested,
		Payload:   payload,
	})
	require.NoError(t, err)

	published := bus.Published()
	require.Len(t, published, 2)
	require.Equal(t, eventtypes.BookValidationResult, published[1].EventType)

	var result eventtypes.BookValidationResultPayload
	require.NoError(t, json.Unmarshal(published[1].Payload, &result))
	require.True(t, result.IsValid)
	require.Equal(t, int64(2500), result.RetailPrice)
	require.Equal(t, "r1", result.ReservationID)
}

func TestValidationHandler_MissingBookPublishesInvalidResult(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	h := NewValidationHandler(fakeLookup(map[string]*Doc{}), bus, nil)
	h.Subscribe()

	req := eventtypes.BookValidationRequestedPayload{ReservationID: "r1", BookID: "missing"}
	payload, _ := json.Marshal(req)
	err := bus.Publish(context.Background(), eventstore.Event{
		EventType: eventtypes.BookValidationRequested,
		Payload:   payload,
	})
	require.NoError(t, err)

	published := bus.Published()
	require.Len(t, published, 2)

	var result eventtypes.BookValidationResultPayload
	require.NoError(t, json.Unmarshal(published[1].Payload, &result))
	require.False(t, result.IsValid)
	require.Equal(t, "BookNotFound", result.Reason)
}
