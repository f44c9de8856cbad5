package wallets

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"libranexus/pkg/aggregate"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/money"
)

// Ack is the minimal command acknowledgment: aggregate id plus new version.
type Ack struct {
	AggregateID string
	Version     int
}

// ByUserIDLookup resolves the wallet aggregate id for a userId. The read
// model is authoritative for uniqueness and the event store for state, so
// natural-key resolution goes through the projection, not a store scan.
type ByUserIDLookup func(ctx context.Context, userID string) (aggregateID string, found bool, err error)

// CommandHandler executes Wallet commands with the same
// load/mutate/append/publish/retry shape as the other contexts.
type CommandHandler struct {
	store    eventstore.Store
	bus      eventbus.Bus
	lookup   ByUserIDLookup
	maxRetry int
}

func NewCommandHandler(store eventstore.Store, bus eventbus.Bus, lookup ByUserIDLookup, maxRetry int) *CommandHandler {
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &CommandHandler{store: store, bus: bus, lookup: lookup, maxRetry: maxRetry}
}

// CreateWallet opens a wallet for a user with an initial balance.
func (h *CommandHandler) CreateWallet(ctx context.Context, userID string, initialBalance money.Minor) (Ack, error) {
	if _, found, err := h.lookup(ctx, userID); err != nil {
		return Ack{}, err
	} else if found {
		return Ack{}, errs.New(errs.KindConflict, "wallet_already_exists", "a wallet for this user already exists")
	}

	id := uuid.New().String()
	wallet, err := NewWallet(id, userID, initialBalance)
	if err != nil {
		return Ack{}, err
	}
	return h.appendAndPublish(ctx, wallet)
}

// UpdateBalance adjusts an existing wallet's balance by delta, retrying on
// ConcurrencyConflict.
func (h *CommandHandler) UpdateBalance(ctx context.Context, id string, delta money.Minor) (Ack, error) {
	op := func() (Ack, error) {
		wallet, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := wallet.UpdateBalance(delta); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, wallet)
	}
	return h.retrying(ctx, op)
}

// LoadOrCreateByUserID backs the saga's payment step: a first-time
// reservation opens a zero-balance wallet rather than failing NotFound.
func (h *CommandHandler) LoadOrCreateByUserID(ctx context.Context, userID string) (*Wallet, error) {
	id, found, err := h.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		wallet, err := NewWallet(uuid.New().String(), userID, 0)
		if err != nil {
			return nil, err
		}
		return wallet, nil
	}
	return h.load(ctx, id)
}

// AttemptPayment resolves the user's wallet (creating one if absent) and
// debits amount, recording WalletPaymentSuccess or WalletPaymentDeclined —
// a declined payment is a valid domain outcome, not a command failure.
func (h *CommandHandler) AttemptPayment(ctx context.Context, userID, reservationID string, amount money.Minor) (Ack, error) {
	op := func() (Ack, error) {
		wallet, err := h.LoadOrCreateByUserID(ctx, userID)
		if err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		wallet.AttemptPayment(reservationID, amount)
		return h.appendAndPublish(ctx, wallet)
	}
	return h.retrying(ctx, op)
}

// ApplyLateFee resolves the user's wallet and debits the accrued late fee,
// returning whether the fee reached the book's retail price.
func (h *CommandHandler) ApplyLateFee(ctx context.Context, userID, reservationID string, daysLate int, retailPrice, feePerDay money.Minor) (bookPurchased bool, ack Ack, err error) {
	op := func() (Ack, error) {
		wallet, loadErr := h.LoadOrCreateByUserID(ctx, userID)
		if loadErr != nil {
			return Ack{}, backoff.Permanent(loadErr)
		}
		bookPurchased = wallet.ApplyLateFee(reservationID, daysLate, retailPrice, feePerDay)
		return h.appendAndPublish(ctx, wallet)
	}
	ack, err = h.retrying(ctx, op)
	return bookPurchased, ack, err
}

func (h *CommandHandler) load(ctx context.Context, id string) (*Wallet, error) {
	events, err := h.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.NotFound
	}

	wallet := &Wallet{id: id}
	history := make([]aggregate.Stored, len(events))
	for i, ev := range events {
		history[i] = aggregate.Stored{EventType: ev.EventType, Payload: ev.Payload}
	}
	if err := aggregate.Rehydrate(wallet, history); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (h *CommandHandler) appendAndPublish(ctx context.Context, wallet *Wallet) (Ack, error) {
	pending, expectedVersion := wallet.Flush()
	if len(pending) == 0 {
		return Ack{AggregateID: wallet.ID(), Version: wallet.Version()}, nil
	}

	drafts := make([]eventstore.Draft, len(pending))
	for i, p := range pending {
		drafts[i] = eventstore.Draft{EventType: p.EventType, SchemaVersion: 1, Payload: p.Payload}
	}

	events, err := h.store.Append(ctx, wallet.ID(), drafts, expectedVersion)
	if err != nil {
		return Ack{}, err
	}
	for _, ev := range events {
		if pubErr := h.bus.Publish(ctx, ev); pubErr != nil {
			return Ack{}, pubErr
		}
	}
	return Ack{AggregateID: wallet.ID(), Version: wallet.Version()}, nil
}

func (h *CommandHandler) retrying(ctx context.Context, op func() (Ack, error)) (Ack, error) {
	wrapped := func() (Ack, error) {
		ack, err := op()
		if err == nil {
			return ack, nil
		}
		switch errs.KindOf(err) {
		case errs.KindConcurrencyConflict, errs.KindDuplicateEvent:
			return Ack{}, err
		default:
			return Ack{}, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, wrapped, backoff.WithBackOff(b), backoff.WithMaxTries(uint(h.maxRetry)))
}

// userIDMatcher builds a PredicateMatcher for FindLatestByPredicate, the
// fallback natural-key resolution path alongside the projection-based
// ByUserIDLookup.
func userIDMatcher(userID string) eventstore.PredicateMatcher {
	return func(payload json.RawMessage) bool {
		var p createdPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		return p.UserID == userID
	}
}

// StoreLookup adapts the event store's FindLatestByPredicate into a
// ByUserIDLookup, for callers without a projection database available
// (e.g. early bring-up, tests).
func StoreLookup(store eventstore.Store) ByUserIDLookup {
	return func(ctx context.Context, userID string) (string, bool, error) {
		return store.FindLatestByPredicate(ctx, eventtypes.WalletCreated, userIDMatcher(userID))
	}
}
