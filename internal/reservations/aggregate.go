// Package reservations is the Reservation bounded context and the
// cross-context saga around it: a state machine on the Reservation
// aggregate reacting to events from the Books and Wallets contexts.
// Creating a reservation fans out through book validation and wallet
// payment before the reservation is confirmed; a late return fans out
// through the wallet's late-fee accrual, possibly ending with the patron
// owning the book.
package reservations

import (
	"encoding/json"
	"time"

	"libranexus/pkg/aggregate"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/money"
)

// Status is the Reservation's state-machine position.
type Status string

const (
	StatusValidating     Status = "Validating"
	StatusPendingPayment Status = "PendingPayment"
	StatusReserved       Status = "Reserved"
	StatusBorrowed       Status = "Borrowed"
	StatusReturned       Status = "Returned"
	StatusLate           Status = "Late"
	StatusBrought        Status = "Brought"
	StatusRejected       Status = "Rejected"
	StatusCancelled      Status = "Cancelled"
)

// terminal reports whether status accepts no further saga transitions.
// Late counts as terminal alongside Returned and Brought: the only thing
// that can still happen to a Late reservation is the wallet's late-fee
// outcome flipping it to Brought, which MarkBrought special-cases.
func (s Status) terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusReturned, StatusLate, StatusBrought:
		return true
	default:
		return false
	}
}

// Reservation is the aggregate root coordinating the saga.
type Reservation struct {
	aggregate.Base

	id            string
	userID        string
	bookID        string
	status        Status
	retailPrice   money.Minor
	feeCharged    money.Minor
	paymentRef    string
	paymentMethod string
	rejectReason  string
	dueDate       time.Time
	daysLate      int
}

var _ aggregate.Root = (*Reservation)(nil)

func (r *Reservation) ID() string               { return r.id }
func (r *Reservation) UserID() string           { return r.userID }
func (r *Reservation) BookID() string           { return r.bookID }
func (r *Reservation) Status() Status           { return r.status }
func (r *Reservation) RetailPrice() money.Minor { return r.retailPrice }
func (r *Reservation) FeeCharged() money.Minor  { return r.feeCharged }
func (r *Reservation) DueDate() time.Time       { return r.dueDate }
func (r *Reservation) Terminal() bool           { return r.status.terminal() }

type createdPayload struct {
	ID      string    `json:"id"`
	UserID  string    `json:"userId"`
	BookID  string    `json:"bookId"`
	DueDate time.Time `json:"dueDate"`
	Status  string    `json:"status"`
}

type retailPriceSetPayload struct {
	RetailPrice int64 `json:"retailPrice"`
}

type pendingPaymentPayload struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`
}

type confirmedPayload struct {
	PaymentRef string `json:"paymentRef"`
	Method     string `json:"method"`
	Amount     int64  `json:"amount"`
}

type rejectedPayload struct {
	Reason string `json:"reason"`
}

type returnedPayload struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	DaysLate      int    `json:"daysLate"`
	RetailPrice   int64  `json:"retailPrice"`
	Status        string `json:"status"`
}

type bookBroughtPayload struct{}

type cancelledPayload struct{}

type deletedPayload struct{}

// NewReservation records ReservationCreated and leaves the reservation in
// Validating, awaiting the Book context's validation result.
func NewReservation(id, userID, bookID string, dueDate time.Time) (*Reservation, error) {
	if err := aggregate.RequireNonEmpty("userId", userID); err != nil {
		return nil, err
	}
	if err := aggregate.RequireNonEmpty("bookId", bookID); err != nil {
		return nil, err
	}

	created := createdPayload{ID: id, UserID: userID, BookID: bookID, DueDate: dueDate, Status: string(StatusValidating)}
	payload, _ := json.Marshal(created)

	r := &Reservation{id: id}
	r.applyCreated(created)
	r.Base.Record(eventtypes.ReservationCreated, payload)
	return r, nil
}

// SetRetailPrice records ReservationRetailPriceSet, the first of the two
// events the saga persists independently after a valid book check.
func (r *Reservation) SetRetailPrice(retailPrice money.Minor) error {
	if r.Terminal() {
		return errs.AlreadyDeleted
	}
	p := retailPriceSetPayload{RetailPrice: int64(retailPrice)}
	payload, _ := json.Marshal(p)
	r.applyRetailPriceSet(p)
	r.Base.Record(eventtypes.ReservationRetailPriceSet, payload)
	return nil
}

// MarkPendingPayment records ReservationPendingPayment, handing the saga
// off to the Wallet context for the fee debit.
func (r *Reservation) MarkPendingPayment(fee money.Minor) error {
	if r.Terminal() {
		return errs.AlreadyDeleted
	}
	p := pendingPaymentPayload{ReservationID: r.id, UserID: r.userID, Amount: int64(fee)}
	payload, _ := json.Marshal(p)
	r.applyPendingPayment(p)
	r.Base.Record(eventtypes.ReservationPendingPayment, payload)
	return nil
}

// Reject records ReservationRejected, terminal.
func (r *Reservation) Reject(reason string) error {
	if r.Terminal() {
		return errs.AlreadyDeleted
	}
	p := rejectedPayload{Reason: reason}
	payload, _ := json.Marshal(p)
	r.applyRejected(p)
	r.Base.Record(eventtypes.ReservationRejected, payload)
	return nil
}

// Confirm records ReservationConfirmed, transitioning to Reserved.
func (r *Reservation) Confirm(paymentRef, method string, amount money.Minor) error {
	if r.Terminal() {
		return errs.AlreadyDeleted
	}
	p := confirmedPayload{PaymentRef: paymentRef, Method: method, Amount: int64(amount)}
	payload, _ := json.Marshal(p)
	r.applyConfirmed(p)
	r.Base.Record(eventtypes.ReservationConfirmed, payload)
	return nil
}

// MarkReturned records ReservationReturned: on-time returns settle
// immediately (Returned); late returns move to Late pending the Wallet
// context's late-fee outcome.
func (r *Reservation) MarkReturned(daysLate int, retailPrice money.Minor) error {
	if r.Terminal() {
		return errs.AlreadyDeleted
	}
	status := StatusReturned
	if daysLate > 0 {
		status = StatusLate
	}
	p := returnedPayload{ReservationID: r.id, UserID: r.userID, DaysLate: daysLate, RetailPrice: int64(retailPrice), Status: string(status)}
	payload, _ := json.Marshal(p)
	r.applyReturned(p)
	r.Base.Record(eventtypes.ReservationReturned, payload)
	return nil
}

// MarkBrought records ReservationBookBrought: the accrued late fee
// reached the book's retail price, so the patron now owns it.
func (r *Reservation) MarkBrought() error {
	if r.status != StatusLate {
		return errs.New(errs.KindConflict, "not_late", "reservation is not awaiting a late-fee outcome")
	}
	payload, _ := json.Marshal(bookBroughtPayload{})
	r.applyBrought()
	r.Base.Record(eventtypes.ReservationBookBrought, payload)
	return nil
}

// Cancel records ReservationCancelled, terminal.
func (r *Reservation) Cancel() error {
	if r.Terminal() {
		return errs.AlreadyDeleted
	}
	payload, _ := json.Marshal(cancelledPayload{})
	r.applyCancelled()
	r.Base.Record(eventtypes.ReservationCancelled, payload)
	return nil
}

// Delete marks the reservation terminal via the shared *Deleted
// convention (aggregate.Base.isTerminal matches on the "Deleted" suffix).
func (r *Reservation) Delete() error {
	if r.Deleted() {
		return errs.AlreadyDeleted
	}
	payload, _ := json.Marshal(deletedPayload{})
	r.Base.Record(eventtypes.ReservationDeleted, payload)
	return nil
}

func (r *Reservation) applyCreated(p createdPayload) {
	r.id = p.ID
	r.userID = p.UserID
	r.bookID = p.BookID
	r.dueDate = p.DueDate
	r.status = Status(p.Status)
}

func (r *Reservation) applyRetailPriceSet(p retailPriceSetPayload) {
	r.retailPrice = money.Minor(p.RetailPrice)
}

func (r *Reservation) applyPendingPayment(p pendingPaymentPayload) {
	r.status = StatusPendingPayment
	r.feeCharged = money.Minor(p.Amount)
}

func (r *Reservation) applyRejected(p rejectedPayload) {
	r.status = StatusRejected
	r.rejectReason = p.Reason
}

func (r *Reservation) applyConfirmed(p confirmedPayload) {
	r.status = StatusReserved
	r.paymentRef = p.PaymentRef
	r.paymentMethod = p.Method
}

func (r *Reservation) applyReturned(p returnedPayload) {
	r.status = Status(p.Status)
	r.daysLate = p.DaysLate
}

func (r *Reservation) applyBrought() {
	r.status = StatusBrought
}

func (r *Reservation) applyCancelled() {
	r.status = StatusCancelled
}

// Apply replays a single stored event during rehydration, implementing
// aggregate.Root.
func (r *Reservation) Apply(eventType eventtypes.Type, payload json.RawMessage) error {
	switch eventType {
	case eventtypes.ReservationCreated:
		var p createdPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.applyCreated(p)
	case eventtypes.ReservationRetailPriceSet:
		var p retailPriceSetPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.applyRetailPriceSet(p)
	case eventtypes.ReservationPendingPayment:
		var p pendingPaymentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.applyPendingPayment(p)
	case eventtypes.ReservationRejected:
		var p rejectedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.applyRejected(p)
	case eventtypes.ReservationConfirmed:
		var p confirmedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.applyConfirmed(p)
	case eventtypes.ReservationReturned:
		var p returnedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		r.applyReturned(p)
	case eventtypes.ReservationBookBrought:
		r.applyBrought()
	case eventtypes.ReservationCancelled:
		r.applyCancelled()
	case eventtypes.ReservationDeleted:
		// no field mutation, only the terminal marker
	default:
		return nil
	}
	r.Base.ApplyHistorical(eventType)
	return nil
}
