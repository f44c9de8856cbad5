package books

import (
	"context"
	"encoding/json"

	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
)

// Lookup resolves a book by id for validation purposes. *Repository.FindByID
// satisfies this directly; tests supply a fake instead of standing up a
// database.
type Lookup func(ctx context.Context, id string) (*Doc, error)

// ValidationHandler is the Book context's part of the reservation saga:
// it reacts to BookValidationRequested by reading the catalog projection
// and publishing BookValidationResult. It never mutates the catalog.
type ValidationHandler struct {
	lookup Lookup
	bus    eventbus.Bus
	log    logging.Logger
}

func NewValidationHandler(lookup Lookup, bus eventbus.Bus, log logging.Logger) *ValidationHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &ValidationHandler{lookup: lookup, bus: bus, log: log.With("component", "books.validation")}
}

// Subscribe wires Handle onto bus for BookValidationRequested.
func (h *ValidationHandler) Subscribe() {
	h.bus.Subscribe(eventtypes.BookValidationRequested, h.Handle)
}

// Handle reads the book projection by id and publishes the validation
// outcome; a missing or soft-deleted book yields isValid=false rather than
// an error, since "not a valid book to reserve" is a saga decision, not a
// handler failure.
func (h *ValidationHandler) Handle(ctx context.Context, event eventstore.Event) error {
	var req eventtypes.BookValidationRequestedPayload
	if err := json.Unmarshal(event.Payload, &req); err != nil {
		return err
	}

	doc, err := h.lookup(ctx, req.BookID)
	if err != nil {
		return err
	}

	result := eventtypes.BookValidationResultPayload{
		ReservationID: req.ReservationID,
		BookID:        req.BookID,
	}
	if doc == nil {
		result.IsValid = false
		result.Reason = "BookNotFound"
	} else {
		result.IsValid = true
		result.RetailPrice = doc.PriceCents
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return h.bus.Publish(ctx, eventstore.Event{
		AggregateID: req.ReservationID,
		EventType:   eventtypes.BookValidationResult,
		Timestamp:   event.Timestamp,
		Payload:     payload,
	})
}
