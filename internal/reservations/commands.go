package reservations

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"libranexus/pkg/aggregate"
	"libranexus/pkg/clock"
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

// CommandHandler executes Reservation commands. Its exported methods serve
// both the direct createReservation/returnReservation surface and,
// internally, the saga steps — the saga (saga.go) is a thin set of
// event-bus reactions that call back into these same command methods,
// never mutating the aggregate directly.
type CommandHandler struct {
	store          eventstore.Store
	bus            eventbus.Bus
	clock          clock.Clock
	dueDateDays    int
	reservationFee money.Minor
	maxRetry       int
}

func NewCommandHandler(store eventstore.Store, bus eventbus.Bus, c clock.Clock, dueDateDays int, reservationFee money.Minor, maxRetry int) *CommandHandler {
	if c == nil {
		c = clock.System{}
	}
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &CommandHandler{
		store: store, bus: bus, clock: c,
		dueDateDays: dueDateDays, reservationFee: reservationFee, maxRetry: maxRetry,
	}
}

// CreateReservation records ReservationCreated then kicks off the saga by
// publishing BookValidationRequested. The two publishes are sequential,
// not a single batch, so the projection is consistent after every step.
func (h *CommandHandler) CreateReservation(ctx context.Context, userID, bookID string) (Ack, error) {
	id := uuid.New().String()
	dueDate := h.clock.Now().AddDate(0, 0, h.dueDateDays)

	reservation, err := NewReservation(id, userID, bookID, dueDate)
	if err != nil {
		return Ack{}, err
	}

	ack, err := h.appendAndPublish(ctx, reservation)
	if err != nil {
		return Ack{}, err
	}

	requested := eventtypes.BookValidationRequestedPayload{ReservationID: id, BookID: bookID}
	payload, _ := json.Marshal(requested)
	if err := h.bus.Publish(ctx, eventstore.Event{
		AggregateID: id,
		EventType:   eventtypes.BookValidationRequested,
		Timestamp:   h.clock.Now(),
		Payload:     payload,
	}); err != nil {
		return Ack{}, err
	}

	return ack, nil
}

// ReturnReservation computes daysLate from the aggregate's own dueDate and
// records ReservationReturned. The late-fee debit itself is the Wallet
// context's reaction to that event (saga.go), not this command's concern.
func (h *CommandHandler) ReturnReservation(ctx context.Context, id string) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		daysLate := daysLateFrom(r.DueDate(), h.clock.Now())
		if err := r.MarkReturned(daysLate, r.RetailPrice()); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// daysLateFrom is max(0, floor((now - dueDate) / day)).
func daysLateFrom(dueDate, now time.Time) int {
	if !now.After(dueDate) {
		return 0
	}
	days := math.Floor(now.Sub(dueDate).Hours() / 24)
	if days < 0 {
		return 0
	}
	return int(days)
}

// CancelReservation records ReservationCancelled for an active reservation.
func (h *CommandHandler) CancelReservation(ctx context.Context, id string) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.Cancel(); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// DeleteReservation marks the reservation terminal.
func (h *CommandHandler) DeleteReservation(ctx context.Context, id string) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.Delete(); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// SetRetailPrice records ReservationRetailPriceSet as its own
// persisted+published event, called from saga.go's OnBookValidationResult.
func (h *CommandHandler) SetRetailPrice(ctx context.Context, id string, retailPrice money.Minor) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.SetRetailPrice(retailPrice); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// MarkPendingPayment records ReservationPendingPayment, charging the
// configured reservation fee.
func (h *CommandHandler) MarkPendingPayment(ctx context.Context, id string) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.MarkPendingPayment(h.reservationFee); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// Reject is the saga's reaction to an invalid book or a declined payment.
func (h *CommandHandler) Reject(ctx context.Context, id, reason string) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.Reject(reason); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// Confirm is the saga's reaction to a successful wallet payment.
func (h *CommandHandler) Confirm(ctx context.Context, id, paymentRef, method string, amount money.Minor) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.Confirm(paymentRef, method, amount); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

// MarkBrought is the saga's reaction to WalletLateFeeApplied with
// bookPurchased set.
func (h *CommandHandler) MarkBrought(ctx context.Context, id string) (Ack, error) {
	op := func() (Ack, error) {
		r, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := r.MarkBrought(); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, r)
	}
	return h.retrying(ctx, op)
}

func (h *CommandHandler) load(ctx context.Context, id string) (*Reservation, error) {
	events, err := h.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.NotFound
	}

	r := &Reservation{id: id}
	history := make([]aggregate.Stored, len(events))
	for i, ev := range events {
		history[i] = aggregate.Stored{EventType: ev.EventType, Payload: ev.Payload}
	}
	if err := aggregate.Rehydrate(r, history); err != nil {
		return nil, err
	}
	return r, nil
}

func (h *CommandHandler) appendAndPublish(ctx context.Context, r *Reservation) (Ack, error) {
	pending, expectedVersion := r.Flush()
	if len(pending) == 0 {
		return Ack{AggregateID: r.ID(), Version: r.Version()}, nil
	}

	drafts := make([]eventstore.Draft, len(pending))
	for i, p := range pending {
		drafts[i] = eventstore.Draft{EventType: p.EventType, SchemaVersion: 1, Payload: p.Payload}
	}

	events, err := h.store.Append(ctx, r.ID(), drafts, expectedVersion)
	if err != nil {
		return Ack{}, err
	}
	for _, ev := range events {
		if pubErr := h.bus.Publish(ctx, ev); pubErr != nil {
			return Ack{}, pubErr
		}
	}
	return Ack{AggregateID: r.ID(), Version: r.Version()}, nil
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
