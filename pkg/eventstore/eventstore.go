// Package eventstore is the append-only log of domain events: every state
// change in the system is an immutable record here. Appends are guarded by
// optimistic concurrency on a per-aggregate version and stamped with a
// store-wide monotonic sequence, so per-aggregate history is contiguous
// and the whole log has a total order usable by audit tooling.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"libranexus/pkg/eventtypes"
)

// Event is the immutable, canonical shape of every stored domain event.
// Once appended it is never mutated.
type Event struct {
	AggregateID   string          `json:"aggregateId"`
	EventType     eventtypes.Type `json:"eventType"`
	Version       int             `json:"version"`
	GlobalVersion int64           `json:"globalVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata carries the store's bookkeeping fields: when the record became
// durable and which command chain caused it.
type Metadata struct {
	StoredAt      time.Time `json:"storedAt"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
}

// Draft is what an aggregate hands the store before version/globalVersion/
// storedAt are assigned. CorrelationID/CausationID are optional; the store
// generates a CorrelationID when none is supplied.
type Draft struct {
	EventType     eventtypes.Type
	SchemaVersion int
	Payload       json.RawMessage
	CorrelationID string
	CausationID   string
}

// PredicateMatcher inspects a Created-event payload during
// FindLatestByPredicate; it returns true when the event resolves the
// natural key being searched for.
type PredicateMatcher func(payload json.RawMessage) bool

// Snapshot is an optional rehydration shortcut: the serialized aggregate
// state as of Version, so long streams need not be replayed from 1.
type Snapshot struct {
	AggregateID string
	Version     int
	State       json.RawMessage
	CreatedAt   time.Time
}

// Store is the contract every event-store backend implements.
type Store interface {
	// Append assigns version/globalVersion/storedAt to each draft and
	// persists them atomically. Fails with *errs.Error{Kind:
	// ConcurrencyConflict} if expectedVersion doesn't match the stored
	// high-water mark, or {Kind: DuplicateEvent} on a unique-index race.
	Append(ctx context.Context, aggregateID string, drafts []Draft, expectedVersion int) ([]Event, error)

	// Load returns every event for aggregateID in ascending version
	// order. An empty, nil-error result means "unknown aggregate".
	Load(ctx context.Context, aggregateID string) ([]Event, error)

	// FindLatestByPredicate scans Created events of eventType, returning
	// the aggregate id of the most recent one whose payload satisfies
	// match and which has not since been terminated by a Deleted event.
	FindLatestByPredicate(ctx context.Context, eventType eventtypes.Type, match PredicateMatcher) (aggregateID string, found bool, err error)

	// ReserveGlobalVersions atomically advances the store-wide sequence
	// by n and returns the new high-water mark (so the n reserved values
	// are [mark-n+1, mark]).
	ReserveGlobalVersions(ctx context.Context, n int) (int64, error)

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	CheckHealth(ctx context.Context) error
}
