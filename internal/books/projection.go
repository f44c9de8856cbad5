package books

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"libranexus/pkg/cache"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/projection"
)

// Doc is the read-model row for a book, scanned via sqlx struct tags.
type Doc struct {
	ID              string     `db:"id"`
	ISBN            string     `db:"isbn"`
	Title           string     `db:"title"`
	Author          string     `db:"author"`
	PublicationYear int        `db:"publication_year"`
	Publisher       string     `db:"publisher"`
	PriceCents      int64      `db:"price_cents"`
	Version         int        `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

const table = "books"

// allowedFields is the sparse-field-selection allow-list for book reads;
// anything else a caller requests is silently dropped.
var allowedFields = []string{
	"id", "isbn", "title", "author", "publication_year", "publisher",
	"price_cents", "version", "created_at", "updated_at",
}

// Repository wraps pkg/projection.Repository with the book table's SQL.
type Repository struct {
	repo *projection.Repository[Doc]
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{repo: projection.New[Doc](db, table, allowedFields...)}
}

func (r *Repository) FindByID(ctx context.Context, id string) (*Doc, error) {
	return r.repo.FindOne(ctx, projection.Filter{"id": id}, nil)
}

func (r *Repository) FindByISBN(ctx context.Context, isbn string) (*Doc, error) {
	return r.repo.FindOne(ctx, projection.Filter{"isbn": isbn}, nil)
}

// ExistsISBN is the create-command uniqueness check; soft-deleted books
// do not block ISBN reuse.
func (r *Repository) ExistsISBN(ctx context.Context, isbn string) (bool, error) {
	doc, err := r.FindByISBN(ctx, isbn)
	return doc != nil, err
}

func (r *Repository) Search(ctx context.Context, filter projection.Filter, opts projection.QueryOptions) (projection.Page[Doc], error) {
	return projection.ExecutePaginatedQuery(ctx, r.repo, filter, opts)
}

// ProjectionHandler maintains the book read model: one method per event
// type, idempotent via versioned updates, invalidating the cache port on
// every successful mutation.
type ProjectionHandler struct {
	repo  *Repository
	cache cache.Port
	log   logging.Logger
}

func NewProjectionHandler(repo *Repository, c cache.Port, log logging.Logger) *ProjectionHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &ProjectionHandler{repo: repo, cache: c, log: log.With("component", "books.projection")}
}

// Handle dispatches a single stored event to the matching projection
// mutation; unknown event types are logged and ignored.
func (h *ProjectionHandler) Handle(ctx context.Context, event eventstore.Event) error {
	switch event.EventType {
	case eventtypes.BookCreated:
		return h.onCreated(ctx, event)
	case eventtypes.BookUpdated:
		return h.onUpdated(ctx, event)
	case eventtypes.BookDeleted:
		return h.onDeleted(ctx, event)
	default:
		h.log.Info("unknown event type for books projection, ignoring", "eventType", event.EventType)
		return nil
	}
}

func (h *ProjectionHandler) onCreated(ctx context.Context, event eventstore.Event) error {
	var p createdPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}

	err := h.repo.repo.Save(ctx, Doc{
		ID: p.ID, ISBN: p.ISBN, Title: p.Title, Author: p.Author,
		PublicationYear: p.PublicationYear, Publisher: p.Publisher, PriceCents: p.Price,
		Version: event.Version,
	}, `INSERT INTO books (id, isbn, title, author, publication_year, publisher, price_cents, version)
		VALUES (:id, :isbn, :title, :author, :publication_year, :publisher, :price_cents, :version)`)
	if err != nil {
		return err
	}
	h.invalidate(p.ID)
	return nil
}

func (h *ProjectionHandler) onUpdated(ctx context.Context, event eventstore.Event) error {
	var p updatedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}

	args := map[string]any{"id": event.AggregateID, "new_version": event.Version}
	sets := "version = :new_version"
	if p.Title != nil {
		sets += ", title = :title"
		args["title"] = *p.Title
	}
	if p.Author != nil {
		sets += ", author = :author"
		args["author"] = *p.Author
	}
	if p.Publisher != nil {
		sets += ", publisher = :publisher"
		args["publisher"] = *p.Publisher
	}
	if p.PublicationYear != nil {
		sets += ", publication_year = :publication_year"
		args["publication_year"] = *p.PublicationYear
	}
	if p.Price != nil {
		sets += ", price_cents = :price_cents"
		args["price_cents"] = *p.Price
	}

	query := fmt.Sprintf(`UPDATE %s SET %s, updated_at = NOW() WHERE id = :id AND version < :new_version`, table, sets)
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidate(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onDeleted(ctx context.Context, event eventstore.Event) error {
	if err := h.repo.repo.MarkDeleted(ctx, event.AggregateID, event.Version, event.Timestamp); err != nil {
		return err
	}
	h.invalidate(event.AggregateID)
	return nil
}

// invalidate clears the cache entries a book mutation can affect. Cache
// faults never roll back the projection: Port itself is best-effort and
// has no error to propagate.
func (h *ProjectionHandler) invalidate(bookID string) {
	if h.cache == nil {
		return
	}
	h.cache.Del(fmt.Sprintf("book:get:%s", bookID))
	h.cache.DelPattern("catalog:list:*")
}
