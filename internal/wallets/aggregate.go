// Package wallets is the payment bounded context: one Wallet aggregate per
// user holding an integer-minor-unit balance, debited by the reservation
// saga for fees and late-fee accruals. A negative balance represents the
// patron's debt to the library.
package wallets

import (
	"encoding/json"

	"libranexus/pkg/aggregate"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/money"
)

// Wallet is the aggregate root.
type Wallet struct {
	aggregate.Base

	id      string
	userID  string
	balance money.Minor
}

var _ aggregate.Root = (*Wallet)(nil)

func (w *Wallet) ID() string           { return w.id }
func (w *Wallet) UserID() string       { return w.userID }
func (w *Wallet) Balance() money.Minor { return w.balance }

type createdPayload struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	InitialBalance int64  `json:"initialBalance"`
}

type balanceUpdatedPayload struct {
	Delta      int64 `json:"delta"`
	NewBalance int64 `json:"newBalance"`
}

type paymentOutcomePayload struct {
	Amount        int64  `json:"amount"`
	ReservationID string `json:"reservationId"`
	Reason        string `json:"reason,omitempty"`
}

type lateFeePayload struct {
	ReservationID string `json:"reservationId"`
	Fee           int64  `json:"fee"`
	BookPurchased bool   `json:"bookPurchased"`
}

// NewWallet is the create(userId, initialBalance) factory.
func NewWallet(id, userID string, initialBalance money.Minor) (*Wallet, error) {
	if err := aggregate.RequireNonEmpty("userId", userID); err != nil {
		return nil, err
	}

	created := createdPayload{ID: id, UserID: userID, InitialBalance: int64(initialBalance)}
	payload, _ := json.Marshal(created)

	w := &Wallet{id: id}
	w.applyCreated(created)
	w.Base.Record(eventtypes.WalletCreated, payload)
	return w, nil
}

// UpdateBalance adjusts the balance by delta (positive or negative) and
// records WalletBalanceUpdated.
func (w *Wallet) UpdateBalance(delta money.Minor) error {
	if w.Deleted() {
		return errs.AlreadyDeleted
	}
	newBalance := w.balance.Add(delta)
	payload, _ := json.Marshal(balanceUpdatedPayload{Delta: int64(delta), NewBalance: int64(newBalance)})
	w.applyBalanceUpdated(balanceUpdatedPayload{Delta: int64(delta), NewBalance: int64(newBalance)})
	w.Base.Record(eventtypes.WalletBalanceUpdated, payload)
	return nil
}

// AttemptPayment subtracts amount if sufficient funds exist, recording
// WalletPaymentSuccess or WalletPaymentDeclined. It never returns an
// error: a declined payment is a valid domain outcome, not a failure.
func (w *Wallet) AttemptPayment(reservationID string, amount money.Minor) {
	if w.balance < amount {
		payload, _ := json.Marshal(paymentOutcomePayload{Amount: int64(amount), ReservationID: reservationID, Reason: "insufficient_funds"})
		w.Base.Record(eventtypes.WalletPaymentDeclined, payload)
		return
	}

	newBalance := w.balance.Sub(amount)
	w.applyBalanceUpdated(balanceUpdatedPayload{Delta: -int64(amount), NewBalance: int64(newBalance)})
	payload, _ := json.Marshal(paymentOutcomePayload{Amount: int64(amount), ReservationID: reservationID})
	w.Base.Record(eventtypes.WalletPaymentSuccess, payload)
}

// ApplyLateFee accrues daysLate*feePerDay against the balance and reports
// whether the fee reached the retail price, at which point the patron owns
// the book. The fee is always debited, even past zero.
func (w *Wallet) ApplyLateFee(reservationID string, daysLate int, retailPrice, feePerDay money.Minor) bool {
	fee := money.LateFee(daysLate, feePerDay)
	bookPurchased := money.BookPurchased(fee, retailPrice)

	newBalance := w.balance.Sub(fee)
	w.applyBalanceUpdated(balanceUpdatedPayload{Delta: -int64(fee), NewBalance: int64(newBalance)})
	payload, _ := json.Marshal(lateFeePayload{ReservationID: reservationID, Fee: int64(fee), BookPurchased: bookPurchased})
	w.Base.Record(eventtypes.WalletLateFeeApplied, payload)
	return bookPurchased
}

func (w *Wallet) applyCreated(p createdPayload) {
	w.id = p.ID
	w.userID = p.UserID
	w.balance = money.Minor(p.InitialBalance)
}

func (w *Wallet) applyBalanceUpdated(p balanceUpdatedPayload) {
	w.balance = money.Minor(p.NewBalance)
}

// Apply replays a single stored event during rehydration.
func (w *Wallet) Apply(eventType eventtypes.Type, payload json.RawMessage) error {
	switch eventType {
	case eventtypes.WalletCreated:
		var p createdPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		w.applyCreated(p)
	case eventtypes.WalletBalanceUpdated:
		var p balanceUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		w.applyBalanceUpdated(p)
	case eventtypes.WalletPaymentSuccess:
		var p paymentOutcomePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		w.balance = w.balance.Sub(money.Minor(p.Amount))
	case eventtypes.WalletPaymentDeclined:
		// no balance change
	case eventtypes.WalletLateFeeApplied:
		var p lateFeePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		w.balance = w.balance.Sub(money.Minor(p.Fee))
	default:
		return nil
	}
	w.Base.ApplyHistorical(eventType)
	return nil
}
