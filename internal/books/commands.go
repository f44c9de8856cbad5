package books

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

// Ack is the minimal command acknowledgment: command handlers return only
// the aggregate id and its new version, never the full aggregate. Reads go
// through the projection.
type Ack struct {
	AggregateID string
	Version     int
}

// ISBNLookup reports whether a non-deleted book with this isbn already
// exists. The read model is authoritative for uniqueness, so production
// wiring passes *Repository.ExistsISBN; StoreLookup is the
// projection-free fallback for bring-up and tests.
type ISBNLookup func(ctx context.Context, isbn string) (bool, error)

// StoreLookup answers the uniqueness check from the event log itself by
// scanning BookCreated events.
func StoreLookup(store eventstore.Store) ISBNLookup {
	return func(ctx context.Context, isbn string) (bool, error) {
		_, found, err := store.FindLatestByPredicate(ctx, eventtypes.BookCreated, isbnMatcher(isbn))
		return found, err
	}
}

// CommandHandler executes Book commands against the event store and
// publishes the resulting events.
type CommandHandler struct {
	store    eventstore.Store
	bus      eventbus.Bus
	exists   ISBNLookup
	maxRetry int
}

func NewCommandHandler(store eventstore.Store, bus eventbus.Bus, exists ISBNLookup, maxRetry int) *CommandHandler {
	if exists == nil {
		exists = StoreLookup(store)
	}
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &CommandHandler{store: store, bus: bus, exists: exists, maxRetry: maxRetry}
}

// CreateBook enforces ISBN uniqueness, then records and publishes
// BookCreated for a fresh aggregate.
func (h *CommandHandler) CreateBook(ctx context.Context, isbn, title, author string, publicationYear int, publisher string, price money.Minor) (Ack, error) {
	found, err := h.exists(ctx, isbn)
	if err != nil {
		return Ack{}, err
	}
	if found {
		return Ack{}, errs.New(errs.KindConflict, "duplicate_isbn", "a book with this isbn already exists")
	}

	id := uuid.New().String()
	book, err := NewBook(id, isbn, title, author, publicationYear, publisher, price)
	if err != nil {
		return Ack{}, err
	}

	return h.appendAndPublish(ctx, book)
}

// UpdateBook loads, rehydrates, mutates and appends, retrying on
// ConcurrencyConflict/DuplicateEvent.
func (h *CommandHandler) UpdateBook(ctx context.Context, id string, title, author, publisher *string, publicationYear *int, price *money.Minor) (Ack, error) {
	op := func() (Ack, error) {
		book, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := book.Update(title, author, publisher, publicationYear, price); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, book)
	}
	return h.retrying(ctx, op)
}

// DeleteBook marks the book terminal.
func (h *CommandHandler) DeleteBook(ctx context.Context, id string) (Ack, error) {
	op := func() (Ack, error) {
		book, err := h.load(ctx, id)
		if err != nil {
			return Ack{}, err
		}
		if err := book.Delete(); err != nil {
			return Ack{}, backoff.Permanent(err)
		}
		return h.appendAndPublish(ctx, book)
	}
	return h.retrying(ctx, op)
}

func (h *CommandHandler) load(ctx context.Context, id string) (*Book, error) {
	events, err := h.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.NotFound
	}

	book := &Book{id: id}
	history := make([]aggregate.Stored, len(events))
	for i, ev := range events {
		history[i] = aggregate.Stored{EventType: ev.EventType, Payload: ev.Payload}
	}
	if err := aggregate.Rehydrate(book, history); err != nil {
		return nil, err
	}
	return book, nil
}

func (h *CommandHandler) appendAndPublish(ctx context.Context, book *Book) (Ack, error) {
	pending, expectedVersion := book.Flush()
	if len(pending) == 0 {
		return Ack{AggregateID: book.ID(), Version: book.Version()}, nil
	}

	drafts := make([]eventstore.Draft, len(pending))
	for i, p := range pending {
		drafts[i] = eventstore.Draft{EventType: p.EventType, SchemaVersion: 1, Payload: p.Payload}
	}

	events, err := h.store.Append(ctx, book.ID(), drafts, expectedVersion)
	if err != nil {
		return Ack{}, err
	}

	for _, ev := range events {
		if pubErr := h.bus.Publish(ctx, ev); pubErr != nil {
			return Ack{}, pubErr
		}
	}

	return Ack{AggregateID: book.ID(), Version: book.Version()}, nil
}

// retrying wraps op with bounded, jittered exponential backoff. Only
// ConcurrencyConflict/DuplicateEvent are retried — each attempt re-loads
// and re-executes the command; everything else propagates immediately.
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

func isbnMatcher(isbn string) eventstore.PredicateMatcher {
	return func(payload json.RawMessage) bool {
		var p createdPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		return p.ISBN == isbn
	}
}
