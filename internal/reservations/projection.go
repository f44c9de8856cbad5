package reservations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"libranexus/pkg/cache"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/projection"
)

// Doc is the read-model row for a reservation.
type Doc struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	BookID       string     `db:"book_id"`
	Status       string     `db:"status"`
	RetailPrice  int64      `db:"retail_price_cents"`
	FeeCharged   int64      `db:"fee_charged_cents"`
	RejectReason string     `db:"reject_reason"`
	DueDate      time.Time  `db:"due_date"`
	DaysLate     int        `db:"days_late"`
	Version      int        `db:"version"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

const table = "reservations"

// activeStatuses are the statuses counted against
// MAX_RESERVATIONS_PER_USER: Reserved, PendingPayment and Borrowed.
var activeStatuses = []string{string(StatusReserved), string(StatusPendingPayment), string(StatusBorrowed)}

// allowedFields is the sparse-field-selection allow-list for reservation
// reads.
var allowedFields = []string{
	"id", "user_id", "book_id", "status", "retail_price_cents",
	"fee_charged_cents", "reject_reason", "due_date", "days_late",
	"version", "created_at", "updated_at",
}

// Repository wraps pkg/projection.Repository with the reservation table's SQL.
type Repository struct {
	repo *projection.Repository[Doc]
	db   *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{repo: projection.New[Doc](db, table, allowedFields...), db: db}
}

func (r *Repository) FindByID(ctx context.Context, id string) (*Doc, error) {
	return r.repo.FindOne(ctx, projection.Filter{"id": id}, nil)
}

// History returns a user's reservations, newest first by default.
func (r *Repository) History(ctx context.Context, userID string, opts projection.QueryOptions) (projection.Page[Doc], error) {
	if opts.SortBy == "" {
		opts.SortBy, opts.SortOrder = "created_at", "desc"
	}
	return projection.ExecutePaginatedQuery(ctx, r.repo, projection.Filter{"user_id": userID}, opts)
}

// CountActiveForUser is the reservation-limit check: the count of
// non-deleted reservations for userID whose status is one of
// Reserved/PendingPayment/Borrowed.
func (r *Repository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE user_id = $1 AND status = ANY($2) AND deleted_at IS NULL`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, activeStatusesArray()); err != nil {
		return 0, err
	}
	return count, nil
}

func activeStatusesArray() []string {
	out := make([]string, len(activeStatuses))
	copy(out, activeStatuses)
	return out
}

// FindStalePendingPayments returns reservations that have sat in
// PendingPayment past olderThan without either wallet outcome arriving.
// No periodic job consumes this in-process; an operator-run reaper is
// expected to poll it.
func (r *Repository) FindStalePendingPayments(ctx context.Context, olderThan time.Time) ([]Doc, error) {
	query := `SELECT * FROM ` + table + `
		WHERE status = $1 AND updated_at < $2 AND deleted_at IS NULL
		ORDER BY updated_at ASC`
	var out []Doc
	if err := r.db.SelectContext(ctx, &out, query, string(StatusPendingPayment), olderThan); err != nil {
		return nil, err
	}
	return out, nil
}

// ProjectionHandler maintains the reservation read model.
type ProjectionHandler struct {
	repo  *Repository
	cache cache.Port
	log   logging.Logger
}

func NewProjectionHandler(repo *Repository, c cache.Port, log logging.Logger) *ProjectionHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &ProjectionHandler{repo: repo, cache: c, log: log.With("component", "reservations.projection")}
}

// Handle dispatches a single stored event to the matching projection
// mutation; unknown event types are logged and ignored.
func (h *ProjectionHandler) Handle(ctx context.Context, event eventstore.Event) error {
	switch event.EventType {
	case eventtypes.ReservationCreated:
		return h.onCreated(ctx, event)
	case eventtypes.ReservationRetailPriceSet:
		return h.onRetailPriceSet(ctx, event)
	case eventtypes.ReservationPendingPayment:
		return h.onPendingPayment(ctx, event)
	case eventtypes.ReservationRejected:
		return h.onRejected(ctx, event)
	case eventtypes.ReservationConfirmed:
		return h.onConfirmed(ctx, event)
	case eventtypes.ReservationReturned:
		return h.onReturned(ctx, event)
	case eventtypes.ReservationBookBrought:
		return h.onBrought(ctx, event)
	case eventtypes.ReservationCancelled:
		return h.onCancelled(ctx, event)
	case eventtypes.ReservationDeleted:
		return h.onDeleted(ctx, event)
	default:
		h.log.Info("unknown event type for reservations projection, ignoring", "eventType", event.EventType)
		return nil
	}
}

func (h *ProjectionHandler) onCreated(ctx context.Context, event eventstore.Event) error {
	var p createdPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	err := h.repo.repo.Save(ctx, Doc{
		ID: p.ID, UserID: p.UserID, BookID: p.BookID, Status: p.Status,
		DueDate: p.DueDate, Version: event.Version,
	}, `INSERT INTO reservations (id, user_id, book_id, status, due_date, version)
		VALUES (:id, :user_id, :book_id, :status, :due_date, :version)`)
	if err != nil {
		return err
	}
	h.invalidate(p.ID, p.UserID)
	return nil
}

func (h *ProjectionHandler) onRetailPriceSet(ctx context.Context, event eventstore.Event) error {
	var p retailPriceSetPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	args := map[string]any{"id": event.AggregateID, "new_version": event.Version, "retail_price_cents": p.RetailPrice}
	query := `UPDATE reservations SET retail_price_cents = :retail_price_cents, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onPendingPayment(ctx context.Context, event eventstore.Event) error {
	var p pendingPaymentPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	args := map[string]any{
		"id": event.AggregateID, "new_version": event.Version,
		"status": string(StatusPendingPayment), "fee_charged_cents": p.Amount,
	}
	query := `UPDATE reservations SET status = :status, fee_charged_cents = :fee_charged_cents, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onRejected(ctx context.Context, event eventstore.Event) error {
	var p rejectedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	args := map[string]any{
		"id": event.AggregateID, "new_version": event.Version,
		"status": string(StatusRejected), "reject_reason": p.Reason,
	}
	query := `UPDATE reservations SET status = :status, reject_reason = :reject_reason, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onConfirmed(ctx context.Context, event eventstore.Event) error {
	args := map[string]any{
		"id": event.AggregateID, "new_version": event.Version,
		"status": string(StatusReserved),
	}
	query := `UPDATE reservations SET status = :status, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onReturned(ctx context.Context, event eventstore.Event) error {
	var p returnedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	args := map[string]any{
		"id": event.AggregateID, "new_version": event.Version,
		"status": p.Status, "days_late": p.DaysLate,
	}
	query := `UPDATE reservations SET status = :status, days_late = :days_late, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onBrought(ctx context.Context, event eventstore.Event) error {
	args := map[string]any{
		"id": event.AggregateID, "new_version": event.Version,
		"status": string(StatusBrought),
	}
	query := `UPDATE reservations SET status = :status, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onCancelled(ctx context.Context, event eventstore.Event) error {
	args := map[string]any{
		"id": event.AggregateID, "new_version": event.Version,
		"status": string(StatusCancelled),
	}
	query := `UPDATE reservations SET status = :status, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, event.AggregateID, query, args); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) onDeleted(ctx context.Context, event eventstore.Event) error {
	if err := h.repo.repo.MarkDeleted(ctx, event.AggregateID, event.Version, event.Timestamp); err != nil {
		return err
	}
	h.invalidateByID(event.AggregateID)
	return nil
}

func (h *ProjectionHandler) invalidateByID(reservationID string) {
	if h.cache == nil {
		return
	}
	h.cache.Del("reservation:get:" + reservationID)
}

func (h *ProjectionHandler) invalidate(reservationID, userID string) {
	h.invalidateByID(reservationID)
	if h.cache == nil {
		return
	}
	h.cache.DelPattern("reservation:history:" + userID + ":*")
}
