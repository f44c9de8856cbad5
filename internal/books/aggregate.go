// Package books is the catalog bounded context: a Book aggregate keyed by
// an immutable ISBN, with BookCreated/BookUpdated/BookDeleted events, a
// Postgres read model, and a Meilisearch-backed catalog search that falls
// back to the database when the search backend is unavailable.
package books

import (
	"encoding/json"
	"time"

	"libranexus/pkg/aggregate"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/money"
)

// Book is the aggregate root. isbn is immutable once set.
type Book struct {
	aggregate.Base

	id              string
	isbn            string
	title           string
	author          string
	publicationYear int
	publisher       string
	price           money.Minor
}

var _ aggregate.Root = (*Book)(nil)

func (b *Book) ID() string { return b.id }

func (b *Book) ISBN() string         { return b.isbn }
func (b *Book) Title() string        { return b.title }
func (b *Book) Author() string       { return b.author }
func (b *Book) PublicationYear() int { return b.publicationYear }
func (b *Book) Publisher() string    { return b.publisher }
func (b *Book) Price() money.Minor   { return b.price }

// createdPayload/updatedPayload/deletedPayload are the wire shapes for
// BookCreated/BookUpdated/BookDeleted.
type createdPayload struct {
	ID              string `json:"id"`
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
	Publisher       string `json:"publisher"`
	Price           int64  `json:"price"`
}

type updatedPayload struct {
	Title           *string `json:"title,omitempty"`
	Author          *string `json:"author,omitempty"`
	PublicationYear *int    `json:"publicationYear,omitempty"`
	Publisher       *string `json:"publisher,omitempty"`
	Price           *int64  `json:"price,omitempty"`
}

type deletedPayload struct {
	ID string `json:"id"`
}

// NewBook validates the command fields and records BookCreated.
func NewBook(id, isbn, title, author string, publicationYear int, publisher string, price money.Minor) (*Book, error) {
	if err := validateFields(isbn, title, author, publicationYear, price); err != nil {
		return nil, err
	}

	created := createdPayload{
		ID: id, ISBN: isbn, Title: title, Author: author,
		PublicationYear: publicationYear, Publisher: publisher, Price: int64(price),
	}
	payload, _ := json.Marshal(created)

	b := &Book{id: id}
	b.applyCreated(created)
	b.Base.Record(eventtypes.BookCreated, payload)
	return b, nil
}

func validateFields(isbn, title, author string, publicationYear int, price money.Minor) error {
	if err := aggregate.RequireNonEmpty("isbn", isbn); err != nil {
		return err
	}
	if err := aggregate.RequireNonEmpty("title", title); err != nil {
		return err
	}
	if err := aggregate.RequireNonEmpty("author", author); err != nil {
		return err
	}
	if err := aggregate.RequireInRange("publicationYear", publicationYear, 1450, time.Now().Year()+1); err != nil {
		return err
	}
	if err := aggregate.RequirePositive("price", int64(price)); err != nil {
		return err
	}
	return nil
}

// Update merges a sparse patch over current state (isbn is immutable,
// never accepted here). Only fields present in the patch AND differing
// from the current value make it into the event; a patch with no
// effective change records nothing and fails errs.NoChanges.
func (b *Book) Update(title, author, publisher *string, publicationYear *int, price *money.Minor) error {
	if b.Deleted() {
		return errs.AlreadyDeleted
	}

	var payload updatedPayload
	if title != nil && *title != b.title {
		payload.Title = title
	}
	if author != nil && *author != b.author {
		payload.Author = author
	}
	if publisher != nil && *publisher != b.publisher {
		payload.Publisher = publisher
	}
	if publicationYear != nil && *publicationYear != b.publicationYear {
		payload.PublicationYear = publicationYear
	}
	if price != nil && *price != b.price {
		p := int64(*price)
		payload.Price = &p
	}
	if payload == (updatedPayload{}) {
		return errs.NoChanges
	}
	raw, _ := json.Marshal(payload)

	b.applyUpdated(payload)
	b.Base.Record(eventtypes.BookUpdated, raw)
	return nil
}

// Delete marks the book terminal; no further mutation is accepted.
func (b *Book) Delete() error {
	if b.Deleted() {
		return errs.AlreadyDeleted
	}
	payload, _ := json.Marshal(deletedPayload{ID: b.id})
	b.Base.Record(eventtypes.BookDeleted, payload)
	return nil
}

func (b *Book) applyCreated(p createdPayload) {
	b.id = p.ID
	b.isbn = p.ISBN
	b.title = p.Title
	b.author = p.Author
	b.publicationYear = p.PublicationYear
	b.publisher = p.Publisher
	b.price = money.Minor(p.Price)
}

func (b *Book) applyUpdated(p updatedPayload) {
	if p.Title != nil {
		b.title = *p.Title
	}
	if p.Author != nil {
		b.author = *p.Author
	}
	if p.Publisher != nil {
		b.publisher = *p.Publisher
	}
	if p.PublicationYear != nil {
		b.publicationYear = *p.PublicationYear
	}
	if p.Price != nil {
		b.price = money.Minor(*p.Price)
	}
}

// Apply replays a single stored event during rehydration, implementing
// aggregate.Root.
func (b *Book) Apply(eventType eventtypes.Type, payload json.RawMessage) error {
	switch eventType {
	case eventtypes.BookCreated:
		var p createdPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		b.applyCreated(p)
	case eventtypes.BookUpdated:
		var p updatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		b.applyUpdated(p)
	case eventtypes.BookDeleted:
		// no field mutation, only the terminal marker
	default:
		return nil
	}
	b.Base.ApplyHistorical(eventType)
	return nil
}
