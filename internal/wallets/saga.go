package wallets

import (
	"context"
	"encoding/json"

	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/money"
)

// reservationPendingPaymentPayload mirrors the Reservation context's own
// pendingPaymentPayload by JSON shape only — this package never imports
// internal/reservations (the reservations saga tests import this package,
// so that import would cycle), so the two structs are kept in sync by
// field name, not by a shared type.
type reservationPendingPaymentPayload struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`
}

// reservationReturnedPayload mirrors the Reservation context's
// returnedPayload.
type reservationReturnedPayload struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	DaysLate      int    `json:"daysLate"`
	RetailPrice   int64  `json:"retailPrice"`
	Status        string `json:"status"`
}

// SagaHandler is the Wallet context's half of the reservation saga:
// reacting to reservation lifecycle events by debiting the wallet, never
// mutating a Reservation itself. The reverse half lives in
// internal/reservations/saga.go.
type SagaHandler struct {
	commands  *CommandHandler
	feePerDay money.Minor
	log       logging.Logger
}

func NewSagaHandler(commands *CommandHandler, feePerDay money.Minor, log logging.Logger) *SagaHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &SagaHandler{commands: commands, feePerDay: feePerDay, log: log.With("component", "wallets.saga")}
}

// Subscribe wires this handler's reactions onto bus.
func (h *SagaHandler) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(eventtypes.ReservationPendingPayment, h.OnReservationPendingPayment)
	bus.Subscribe(eventtypes.ReservationReturned, h.OnReservationReturned)
}

// OnReservationPendingPayment attempts to charge the reservation fee
// against the patron's wallet. The
// wallet aggregate itself decides success vs. decline; this handler only
// resolves which user/amount to charge from the event payload.
func (h *SagaHandler) OnReservationPendingPayment(ctx context.Context, event eventstore.Event) error {
	var p reservationPendingPaymentPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	_, err := h.commands.AttemptPayment(ctx, p.UserID, p.ReservationID, money.Minor(p.Amount))
	return err
}

// OnReservationReturned accrues a late fee against the patron's wallet for
// a late return (daysLate > 0). An on-time return has nothing for the
// Wallet context to do.
func (h *SagaHandler) OnReservationReturned(ctx context.Context, event eventstore.Event) error {
	var p reservationReturnedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	if p.DaysLate <= 0 {
		return nil
	}
	_, _, err := h.commands.ApplyLateFee(ctx, p.UserID, p.ReservationID, p.DaysLate, money.Minor(p.RetailPrice), h.feePerDay)
	return err
}
