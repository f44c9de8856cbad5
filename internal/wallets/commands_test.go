package wallets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/money"
)

func newTestHandler() (*CommandHandler, *eventstore.MemoryStore, *eventbus.MemoryBus) {
	store := eventstore.NewMemoryStore(nil)
	bus := eventbus.NewMemoryBus()
	h := NewCommandHandler(store, bus, StoreLookup(store), 3)
	return h, store, bus
}

func TestCommandHandler_CreateWalletPublishesEvent(t *testing.T) {
	h, _, bus := newTestHandler()
	ctx := context.Background()

	ack, err := h.CreateWallet(ctx, "u1", money.Minor(5000))
	require.NoError(t, err)
	require.Equal(t, 1, ack.Version)
	require.Len(t, bus.Published(), 1)
}

func TestCommandHandler_CreateWalletRejectsDuplicateUser(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	_, err := h.CreateWallet(ctx, "u1", money.Minor(5000))
	require.NoError(t, err)

	_, err = h.CreateWallet(ctx, "u1", money.Minor(1000))
	require.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestCommandHandler_LoadOrCreateByUserID_CreatesWhenAbsent(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	wallet, err := h.LoadOrCreateByUserID(ctx, "new-user")
	require.NoError(t, err)
	require.Equal(t, money.Minor(0), wallet.Balance())
}

func TestCommandHandler_AttemptPayment_SucceedsAndPublishes(t *testing.T) {
	h, _, bus := newTestHandler()
	ctx := context.Background()

	_, err := h.CreateWallet(ctx, "u1", money.Minor(5000))
	require.NoError(t, err)

	_, err = h.AttemptPayment(ctx, "u1", "r1", money.Minor(300))
	require.NoError(t, err)

	published := bus.Published()
	require.Len(t, published, 2)
}

func TestCommandHandler_UpdateBalanceNotFound(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	_, err := h.UpdateBalance(ctx, "missing", money.Minor(100))
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
