package wallets

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"libranexus/pkg/cache"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/projection"
)

// Doc is the read-model row for a wallet.
type Doc struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	BalanceCents int64      `db:"balance_cents"`
	Version      int        `db:"version"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

const table = "wallets"

// allowedFields is the sparse-field-selection allow-list for wallet reads.
var allowedFields = []string{
	"id", "user_id", "balance_cents", "version", "created_at", "updated_at",
}

// Repository wraps pkg/projection.Repository with the wallet table's SQL.
type Repository struct {
	repo *projection.Repository[Doc]
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{repo: projection.New[Doc](db, table, allowedFields...)}
}

func (r *Repository) FindByID(ctx context.Context, id string) (*Doc, error) {
	return r.repo.FindOne(ctx, projection.Filter{"id": id}, nil)
}

func (r *Repository) FindByUserID(ctx context.Context, userID string) (*Doc, error) {
	return r.repo.FindOne(ctx, projection.Filter{"user_id": userID}, nil)
}

// Lookup adapts FindByUserID into a ByUserIDLookup for the command
// handler's "loads or creates wallet" saga step.
func (r *Repository) Lookup(ctx context.Context, userID string) (string, bool, error) {
	doc, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if doc == nil {
		return "", false, nil
	}
	return doc.ID, true, nil
}

var _ ByUserIDLookup = (*Repository)(nil).Lookup

// ProjectionHandler maintains the wallet read model.
type ProjectionHandler struct {
	repo  *Repository
	cache cache.Port
	log   logging.Logger
}

func NewProjectionHandler(repo *Repository, c cache.Port, log logging.Logger) *ProjectionHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &ProjectionHandler{repo: repo, cache: c, log: log.With("component", "wallets.projection")}
}

// Handle dispatches a single stored event to the matching projection
// mutation; unknown event types are logged and ignored.
func (h *ProjectionHandler) Handle(ctx context.Context, event eventstore.Event) error {
	switch event.EventType {
	case eventtypes.WalletCreated:
		return h.onCreated(ctx, event)
	case eventtypes.WalletBalanceUpdated:
		return h.onBalanceUpdated(ctx, event)
	case eventtypes.WalletPaymentSuccess:
		return h.onPaymentSuccess(ctx, event)
	case eventtypes.WalletPaymentDeclined:
		// No balance change; the wallet row and its version are left
		// untouched.
		return nil
	case eventtypes.WalletLateFeeApplied:
		return h.onLateFeeApplied(ctx, event)
	default:
		h.log.Info("unknown event type for wallets projection, ignoring", "eventType", event.EventType)
		return nil
	}
}

func (h *ProjectionHandler) onCreated(ctx context.Context, event eventstore.Event) error {
	var p createdPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}

	err := h.repo.repo.Save(ctx, Doc{
		ID: p.ID, UserID: p.UserID, BalanceCents: p.InitialBalance, Version: event.Version,
	}, `INSERT INTO wallets (id, user_id, balance_cents, version)
		VALUES (:id, :user_id, :balance_cents, :version)`)
	if err != nil {
		return err
	}
	h.invalidate(p.ID)
	return nil
}

func (h *ProjectionHandler) onBalanceUpdated(ctx context.Context, event eventstore.Event) error {
	var p balanceUpdatedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	return h.setBalance(ctx, event.AggregateID, event.Version, p.NewBalance)
}

func (h *ProjectionHandler) onPaymentSuccess(ctx context.Context, event eventstore.Event) error {
	var p paymentOutcomePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	doc, err := h.repo.FindByID(ctx, event.AggregateID)
	if err != nil {
		return err
	}
	if doc == nil {
		return errs.NotFound
	}
	return h.setBalance(ctx, event.AggregateID, event.Version, doc.BalanceCents-p.Amount)
}

func (h *ProjectionHandler) onLateFeeApplied(ctx context.Context, event eventstore.Event) error {
	var p lateFeePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	doc, err := h.repo.FindByID(ctx, event.AggregateID)
	if err != nil {
		return err
	}
	if doc == nil {
		return errs.NotFound
	}
	return h.setBalance(ctx, event.AggregateID, event.Version, doc.BalanceCents-p.Fee)
}

func (h *ProjectionHandler) setBalance(ctx context.Context, id string, newVersion int, newBalance int64) error {
	args := map[string]any{"id": id, "new_version": newVersion, "balance_cents": newBalance}
	query := `UPDATE wallets SET balance_cents = :balance_cents, version = :new_version, updated_at = NOW()
		WHERE id = :id AND version < :new_version`
	if err := h.repo.repo.UpdateVersioned(ctx, id, query, args); err != nil {
		return err
	}
	h.invalidate(id)
	return nil
}

func (h *ProjectionHandler) invalidate(walletID string) {
	if h.cache == nil {
		return
	}
	h.cache.Del("wallet:get:" + walletID)
}
