package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libranexus/pkg/clock"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventtypes"
)

// PostgresStore is the production Store: a serializable transaction
// verifies the expected version, reserves a block of global sequence
// numbers from a counter table, and inserts the batch under a unique
// (aggregate_id, version) index.
type PostgresStore struct {
	db     *sql.DB
	clock  clock.Clock
	tracer trace.Tracer
	meter  metric.Meter

	appendCounter metric.Int64Counter
}

// NewPostgresStore wires the store's tracer and append counter. The clock
// is injectable so tests control storedAt.
func NewPostgresStore(db *sql.DB, c clock.Clock) *PostgresStore {
	if c == nil {
		c = clock.System{}
	}
	meter := otel.Meter("libranexus/eventstore")
	counter, _ := meter.Int64Counter("eventstore.events_appended")
	return &PostgresStore{
		db:            db,
		clock:         c,
		tracer:        otel.Tracer("libranexus/eventstore"),
		meter:         meter,
		appendCounter: counter,
	}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Append(ctx context.Context, aggregateID string, drafts []Draft, expectedVersion int) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(drafts)),
		),
	)
	defer span.End()

	if len(drafts) == 0 {
		return nil, errs.New(errs.KindValidation, "empty_batch", "append requires at least one event")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "begin_tx", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		return nil, errs.Wrap(errs.KindStorageFailure, "query_version", "failed to query current version", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(attribute.Int("actual.version", currentVersion), attribute.Bool("conflict.detected", true))
		return nil, errs.ConcurrencyConflict
	}

	globalMark, err := s.reserveGlobalVersionsTx(ctx, tx, len(drafts))
	if err != nil {
		return nil, err
	}
	globalStart := globalMark - int64(len(drafts)) + 1

	now := s.clock.Now()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (aggregate_id, version, global_version, event_type, schema_version, payload, correlation_id, causation_id, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "prepare", "failed to prepare insert", err)
	}
	defer stmt.Close()

	events := make([]Event, len(drafts))
	for i, d := range drafts {
		version := expectedVersion + i + 1
		globalVersion := globalStart + int64(i)
		correlationID := d.CorrelationID
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		_, err = stmt.ExecContext(ctx, aggregateID, version, globalVersion, string(d.EventType), d.SchemaVersion, []byte(d.Payload), correlationID, nullableString(d.CausationID), now)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return nil, errs.DuplicateEvent
			}
			return nil, errs.Wrap(errs.KindStorageFailure, "insert_event", fmt.Sprintf("failed to insert event %d", i), err)
		}

		events[i] = Event{
			AggregateID:   aggregateID,
			EventType:     d.EventType,
			Version:       version,
			GlobalVersion: globalVersion,
			Timestamp:     now,
			SchemaVersion: d.SchemaVersion,
			Payload:       d.Payload,
			Metadata: Metadata{
				StoredAt:      now,
				CorrelationID: correlationID,
				CausationID:   d.CausationID,
			},
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int("event.version", version),
			attribute.Int64("event.global_version", globalVersion),
			attribute.String("event.type", string(d.EventType)),
		))
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "commit", "failed to commit transaction", err)
	}

	s.appendCounter.Add(ctx, int64(len(drafts)), metric.WithAttributes(attribute.String("aggregate.id", aggregateID)))
	span.SetAttributes(attribute.Bool("append.success", true))
	return events, nil
}

func (s *PostgresStore) reserveGlobalVersionsTx(ctx context.Context, tx *sql.Tx, n int) (int64, error) {
	var mark int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO global_counters (name, value) VALUES ('event_global_version', $1)
		ON CONFLICT (name) DO UPDATE SET value = global_counters.value + $1
		RETURNING value
	`, n).Scan(&mark)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageFailure, "reserve_global_versions", "failed to reserve global sequence block", err)
	}
	return mark, nil
}

// ReserveGlobalVersions advances the store-wide sequence outside of an
// in-flight Append, for store migrations and audit tooling.
func (s *PostgresStore) ReserveGlobalVersions(ctx context.Context, n int) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.reserve_global_versions")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageFailure, "begin_tx", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	mark, err := s.reserveGlobalVersionsTx(ctx, tx, n)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindStorageFailure, "commit", "failed to commit transaction", err)
	}
	return mark, nil
}

func (s *PostgresStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.load", trace.WithAttributes(attribute.String("aggregate.id", aggregateID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, version, global_version, event_type, schema_version, payload, correlation_id, causation_id, stored_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "query_events", "failed to query events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageFailure, "scan_event", "failed to scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "iterate_events", "failed to iterate events", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// FindLatestByPredicate scans Created events of eventType (newest first)
// looking for one whose payload satisfies match and whose aggregate has
// not since emitted a Deleted event. Callers needing a uniqueness check
// should prefer the read model; this exists for store-level recovery and
// audit tooling, where the log itself must answer.
func (s *PostgresStore) FindLatestByPredicate(ctx context.Context, eventType eventtypes.Type, match PredicateMatcher) (string, bool, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.find_latest_by_predicate", trace.WithAttributes(attribute.String("event.type", string(eventType))))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, payload FROM events
		WHERE event_type = $1 AND version = 1
		ORDER BY global_version DESC
	`, string(eventType))
	if err != nil {
		return "", false, errs.Wrap(errs.KindStorageFailure, "query_created_events", "failed to scan created events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var aggregateID string
		var payload []byte
		if err := rows.Scan(&aggregateID, &payload); err != nil {
			return "", false, errs.Wrap(errs.KindStorageFailure, "scan_created_event", "failed to scan created event", err)
		}
		if !match(payload) {
			continue
		}
		deleted, err := s.isDeleted(ctx, aggregateID)
		if err != nil {
			return "", false, err
		}
		if deleted {
			continue
		}
		span.SetAttributes(attribute.Bool("found", true))
		return aggregateID, true, nil
	}
	return "", false, nil
}

func (s *PostgresStore) isDeleted(ctx context.Context, aggregateID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE aggregate_id = $1 AND event_type LIKE '%Deleted'
	`, aggregateID).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.KindStorageFailure, "check_deleted", "failed to check terminal state", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "eventstore.save_snapshot")
	defer span.End()

	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, version, state, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
		WHERE snapshots.version < EXCLUDED.version
	`, snap.AggregateID, snap.Version, []byte(snap.State), now)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "save_snapshot", "failed to save snapshot", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.load_snapshot")
	defer span.End()

	var snap Snapshot
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, version, state, created_at FROM snapshots WHERE aggregate_id = $1
	`, aggregateID).Scan(&snap.AggregateID, &snap.Version, &payload, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "load_snapshot", "failed to load snapshot", err)
	}
	snap.State = payload
	return &snap, nil
}

func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindStorageFailure, "ping", "event store database unreachable", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (Event, error) {
	var ev Event
	var eventType string
	var payload []byte
	var causationID sql.NullString
	err := rows.Scan(&ev.AggregateID, &ev.Version, &ev.GlobalVersion, &eventType, &ev.SchemaVersion, &payload, &ev.Metadata.CorrelationID, &causationID, &ev.Metadata.StoredAt)
	if err != nil {
		return Event{}, err
	}
	ev.EventType = eventtypes.Type(eventType)
	ev.Payload = json.RawMessage(payload)
	ev.Timestamp = ev.Metadata.StoredAt
	if causationID.Valid {
		ev.Metadata.CausationID = causationID.String
	}
	return ev, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
