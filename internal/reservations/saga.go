package reservations

import (
	"context"
	"encoding/json"
	"fmt"

	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/money"
)

// walletPaymentOutcomePayload mirrors the Wallet context's own
// paymentOutcomePayload by JSON shape only — this package does not import
// internal/wallets, so the shapes are kept in sync by field name.
type walletPaymentOutcomePayload struct {
	Amount        int64  `json:"amount"`
	ReservationID string `json:"reservationId"`
	Reason        string `json:"reason,omitempty"`
}

// walletLateFeePayload mirrors the Wallet context's lateFeePayload.
type walletLateFeePayload struct {
	ReservationID string `json:"reservationId"`
	Fee           int64  `json:"fee"`
	BookPurchased bool   `json:"bookPurchased"`
}

// ActiveCounter resolves how many reservations userID currently holds in
// Reserved, PendingPayment or Borrowed status, for the
// MAX_RESERVATIONS_PER_USER check.
// *Repository.CountActiveForUser satisfies this directly; tests supply a
// fake instead of standing up a database.
type ActiveCounter func(ctx context.Context, userID string) (int, error)

// SagaHandler implements the Reservation context's saga reactions: the
// cross-context legs that turn a BookValidationResult or a Wallet
// payment/late-fee outcome into the reservation's next command call.
// Every handler here reads the
// reservation id from the event PAYLOAD, never from event.AggregateID —
// WalletPaymentSuccess/Declined/LateFeeApplied are recorded on the
// *wallet's* own stream, so AggregateID there is the wallet id, not the
// reservation id.
type SagaHandler struct {
	commands        *CommandHandler
	activeCount     ActiveCounter
	maxReservations int
	log             logging.Logger
}

func NewSagaHandler(commands *CommandHandler, activeCount ActiveCounter, maxReservations int, log logging.Logger) *SagaHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &SagaHandler{commands: commands, activeCount: activeCount, maxReservations: maxReservations, log: log.With("component", "reservations.saga")}
}

// Subscribe wires this handler's reactions onto bus.
func (h *SagaHandler) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(eventtypes.BookValidationResult, h.OnBookValidationResult)
	bus.Subscribe(eventtypes.WalletPaymentSuccess, h.OnWalletPaymentSuccess)
	bus.Subscribe(eventtypes.WalletPaymentDeclined, h.OnWalletPaymentDeclined)
	bus.Subscribe(eventtypes.WalletLateFeeApplied, h.OnWalletLateFeeApplied)
}

// OnBookValidationResult rejects the reservation outright for an invalid
// book; a valid book is checked against MAX_RESERVATIONS_PER_USER before
// moving to PendingPayment.
func (h *SagaHandler) OnBookValidationResult(ctx context.Context, event eventstore.Event) error {
	var p eventtypes.BookValidationResultPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}

	if !p.IsValid {
		reason := p.Reason
		if reason == "" {
			reason = "BookInvalid"
		}
		_, err := h.commands.Reject(ctx, p.ReservationID, reason)
		return err
	}

	r, err := h.commands.load(ctx, p.ReservationID)
	if err != nil {
		return err
	}

	active, err := h.activeCount(ctx, r.UserID())
	if err != nil {
		return err
	}
	if h.maxReservations > 0 && active >= h.maxReservations {
		_, err := h.commands.Reject(ctx, p.ReservationID, eventtypes.ReasonReservationBookLimitReached)
		return err
	}

	if _, err := h.commands.SetRetailPrice(ctx, p.ReservationID, money.Minor(p.RetailPrice)); err != nil {
		return err
	}
	_, err = h.commands.MarkPendingPayment(ctx, p.ReservationID)
	return err
}

// OnWalletPaymentSuccess confirms the reservation after a successful debit.
func (h *SagaHandler) OnWalletPaymentSuccess(ctx context.Context, event eventstore.Event) error {
	var p walletPaymentOutcomePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	paymentRef := fmt.Sprintf("%s@%d", event.AggregateID, event.Version)
	_, err := h.commands.Confirm(ctx, p.ReservationID, paymentRef, "wallet_balance", money.Minor(p.Amount))
	return err
}

// OnWalletPaymentDeclined rejects the reservation after a declined debit.
func (h *SagaHandler) OnWalletPaymentDeclined(ctx context.Context, event eventstore.Event) error {
	var p walletPaymentOutcomePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	reason := p.Reason
	if reason == "" {
		reason = "PaymentDeclined"
	}
	_, err := h.commands.Reject(ctx, p.ReservationID, reason)
	return err
}

// OnWalletLateFeeApplied moves the reservation from Late to Brought when
// the accrued late fee reached the book's retail price.
func (h *SagaHandler) OnWalletLateFeeApplied(ctx context.Context, event eventstore.Event) error {
	var p walletLateFeePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	if !p.BookPurchased {
		return nil
	}
	_, err := h.commands.MarkBrought(ctx, p.ReservationID)
	return err
}
