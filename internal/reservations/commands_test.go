package reservations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/clock"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/money"
)

func newTestHandler(now time.Time) (*CommandHandler, *eventstore.MemoryStore, *eventbus.MemoryBus, *clock.Fixed) {
	store := eventstore.NewMemoryStore(nil)
	bus := eventbus.NewMemoryBus()
	c := clock.NewFixed(now)
	h := NewCommandHandler(store, bus, c, 14, money.Minor(500), 3)
	return h, store, bus, c
}

func TestCommandHandler_CreateReservation_PublishesCreatedThenValidationRequested(t *testing.T) {
	h, _, bus, _ := newTestHandler(time.Now())
	ctx := context.Background()

	ack, err := h.CreateReservation(ctx, "u1", "b1")
	require.NoError(t, err)
	require.Equal(t, 1, ack.Version)

	published := bus.Published()
	require.Len(t, published, 2)
	require.Equal(t, eventtypes.ReservationCreated, published[0].EventType)
	require.Equal(t, eventtypes.BookValidationRequested, published[1].EventType)
}

func TestCommandHandler_ReturnReservation_ComputesDaysLate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, _, _, c := newTestHandler(now)
	ctx := context.Background()

	ack, err := h.CreateReservation(ctx, "u1", "b1")
	require.NoError(t, err)

	c.Advance(20 * 24 * time.Hour)
	_, err = h.ReturnReservation(ctx, ack.AggregateID)
	require.NoError(t, err)

	r, err := h.load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.Equal(t, StatusLate, r.Status())
	require.Equal(t, 6, r.daysLate, "due in 14 days, returned after 20 => 6 days late")
}

func TestCommandHandler_SetRetailPriceThenMarkPendingPayment(t *testing.T) {
	h, _, _, _ := newTestHandler(time.Now())
	ctx := context.Background()

	ack, err := h.CreateReservation(ctx, "u1", "b1")
	require.NoError(t, err)

	_, err = h.SetRetailPrice(ctx, ack.AggregateID, money.Minor(3000))
	require.NoError(t, err)

	_, err = h.MarkPendingPayment(ctx, ack.AggregateID)
	require.NoError(t, err)

	r, err := h.load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, r.Status())
	require.Equal(t, money.Minor(500), r.FeeCharged())
}

func TestCommandHandler_Reject_NotFound(t *testing.T) {
	h, _, _, _ := newTestHandler(time.Now())
	ctx := context.Background()

	_, err := h.Reject(ctx, "missing", "BookNotFound")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestCommandHandler_CancelReservation(t *testing.T) {
	h, _, _, _ := newTestHandler(time.Now())
	ctx := context.Background()

	ack, err := h.CreateReservation(ctx, "u1", "b1")
	require.NoError(t, err)

	_, err = h.CancelReservation(ctx, ack.AggregateID)
	require.NoError(t, err)

	r, err := h.load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.True(t, r.Terminal())
}
