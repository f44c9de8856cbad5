package reservations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libranexus/internal/books"
	"libranexus/internal/wallets"
	"libranexus/pkg/clock"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/money"
)

// harness wires a reservation CommandHandler + SagaHandler, a wallet
// CommandHandler + SagaHandler, and a book ValidationHandler onto one
// shared in-memory bus, mirroring how cmd/*/main.go composes the three
// services in production. Publishing on the memory bus runs every
// downstream handler synchronously, so a single CreateReservation call
// drives the whole saga to its final state.
type harness struct {
	bus          *eventbus.MemoryBus
	reservations *CommandHandler
	wallets      *wallets.CommandHandler
	books        map[string]*books.Doc
	active       map[string]int
	clock        *clock.Fixed
}

func newHarness(t *testing.T, now time.Time, maxReservations int) *harness {
	return newHarnessWithFee(t, now, maxReservations, money.Minor(300))
}

func newHarnessWithFee(t *testing.T, now time.Time, maxReservations int, reservationFee money.Minor) *harness {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	fixed := clock.NewFixed(now)

	resStore := eventstore.NewMemoryStore(nil)
	resHandler := NewCommandHandler(resStore, bus, fixed, 14, reservationFee, 3)

	walletStore := eventstore.NewMemoryStore(nil)
	walletHandler := wallets.NewCommandHandler(walletStore, bus, wallets.StoreLookup(walletStore), 3)
	walletSaga := wallets.NewSagaHandler(walletHandler, money.Minor(20), nil)
	walletSaga.Subscribe(bus)

	bookDocs := map[string]*books.Doc{}
	bookLookup := func(ctx context.Context, id string) (*books.Doc, error) {
		return bookDocs[id], nil
	}
	validation := books.NewValidationHandler(bookLookup, bus, nil)
	validation.Subscribe()

	active := map[string]int{}
	activeCount := func(ctx context.Context, userID string) (int, error) {
		return active[userID], nil
	}
	resSaga := NewSagaHandler(resHandler, activeCount, maxReservations, nil)
	resSaga.Subscribe(bus)

	return &harness{bus: bus, reservations: resHandler, wallets: walletHandler, books: bookDocs, active: active, clock: fixed}
}

func TestSaga_S1_HappyPathReservation(t *testing.T) {
	now := time.Now()
	h := newHarness(t, now, 3)
	ctx := context.Background()

	h.books["b1"] = &books.Doc{ID: "b1", PriceCents: 2999}
	_, err := h.wallets.CreateWallet(ctx, "u1", money.Minor(5000))
	require.NoError(t, err)

	ack, err := h.reservations.CreateReservation(ctx, "u1", "b1")
	require.NoError(t, err)

	r, err := h.reservations.load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, r.Status())
	require.Equal(t, money.Minor(2999), r.RetailPrice())
	require.Equal(t, money.Minor(300), r.FeeCharged())

	wallet, err := h.wallets.LoadOrCreateByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, money.Minor(4700), wallet.Balance())
}

func TestSaga_S2_ReservationLimitRejects(t *testing.T) {
	now := time.Now()
	h := newHarness(t, now, 3)
	ctx := context.Background()

	h.books["b2"] = &books.Doc{ID: "b2", PriceCents: 1999}
	_, err := h.wallets.CreateWallet(ctx, "u1", money.Minor(5000))
	require.NoError(t, err)
	h.active["u1"] = 3

	ack, err := h.reservations.CreateReservation(ctx, "u1", "b2")
	require.NoError(t, err)

	r, err := h.reservations.load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, r.Status())

	wallet, err := h.wallets.LoadOrCreateByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, money.Minor(5000), wallet.Balance(), "wallet untouched when the saga rejects on the reservation limit")
}

func TestSaga_S3_LateReturnPurchasesBook(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, now, 3)
	ctx := context.Background()

	_, err := h.wallets.CreateWallet(ctx, "u1", money.Minor(1500))
	require.NoError(t, err)

	r, err := NewReservation("r1", "u1", "b1", now)
	require.NoError(t, err)
	require.NoError(t, r.SetRetailPrice(money.Minor(1000)))
	require.NoError(t, r.MarkPendingPayment(money.Minor(0)))
	require.NoError(t, r.Confirm("ref", "wallet_balance", money.Minor(0)))
	_, err = h.reservations.appendAndPublish(ctx, r)
	require.NoError(t, err)

	h.clock.Advance(60 * 24 * time.Hour)
	_, err = h.reservations.ReturnReservation(ctx, "r1")
	require.NoError(t, err)

	reloaded, err := h.reservations.load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 60, reloaded.daysLate)
	require.Equal(t, StatusBrought, reloaded.Status())

	wallet, err := h.wallets.LoadOrCreateByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, money.Minor(300), wallet.Balance())
}

func TestSaga_S6_WalletPaymentDeclineRejectsReservation(t *testing.T) {
	now := time.Now()
	h := newHarness(t, now, 3)
	ctx := context.Background()

	h.books["b1"] = &books.Doc{ID: "b1", PriceCents: 1999}
	_, err := h.wallets.CreateWallet(ctx, "u1", money.Minor(200))
	require.NoError(t, err)

	ack, err := h.reservations.CreateReservation(ctx, "u1", "b1")
	require.NoError(t, err)

	r, err := h.reservations.load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, r.Status())

	wallet, err := h.wallets.LoadOrCreateByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, money.Minor(200), wallet.Balance(), "a declined payment leaves the wallet balance untouched")
}
