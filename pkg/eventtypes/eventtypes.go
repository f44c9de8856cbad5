// Package eventtypes is the single canonical enumeration of event-type
// strings shared by every bounded context. The contexts couple through
// these strings on the bus and in the store, so they are pinned in one
// place rather than spelled per package.
//
// Unknown event types (e.g. read by a service on an older schema) must be
// logged and skipped by callers, never treated as an error.
package eventtypes

type Type string

const (
	// Books context.
	BookCreated Type = "BookCreated"
	BookUpdated Type = "BookUpdated"
	BookDeleted Type = "BookDeleted"

	// Wallet context.
	WalletCreated         Type = "WalletCreated"
	WalletBalanceUpdated  Type = "WalletBalanceUpdated"
	WalletPaymentSuccess  Type = "WalletPaymentSuccess"
	WalletPaymentDeclined Type = "WalletPaymentDeclined"
	WalletLateFeeApplied  Type = "WalletLateFeeApplied"

	// Reservation context / saga.
	ReservationCreated        Type = "ReservationCreated"
	ReservationRejected       Type = "ReservationRejected"
	ReservationRetailPriceSet Type = "ReservationRetailPriceSet"
	ReservationPendingPayment Type = "ReservationPendingPayment"
	ReservationConfirmed      Type = "ReservationConfirmed"
	ReservationReturned       Type = "ReservationReturned"
	ReservationBookBrought    Type = "ReservationBookBrought"
	ReservationCancelled      Type = "ReservationCancelled"
	ReservationDeleted        Type = "ReservationDeleted"

	// Cross-context saga signals. Not aggregate-lifecycle events, but
	// still routed on the bus with the same envelope.
	BookValidationRequested Type = "BookValidationRequested"
	BookValidationResult    Type = "BookValidationResult"

	// ReservationBookLimitReached is a reason code, not its own event
	// type; it rides inside ReservationRejected's payload. Kept here as
	// a named constant so every context spells the reason identically.
	ReasonReservationBookLimitReached = "ReservationBookLimitReached"
)

// FailedSuffix is appended by the event bus to an event's type when a
// handler fails, forming the synthesized error event it publishes in
// place of redelivering a poison message.
const FailedSuffix = "Failed"

// Failed returns the synthesized failure event type for t.
func Failed(t Type) Type {
	return Type(string(t) + FailedSuffix)
}
