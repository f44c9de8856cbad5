package eventstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"libranexus/pkg/clock"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventtypes"
)

// MemoryStore is a concurrency-safe in-process Store: a lock-protected
// slice per stream, with the same "expectedVersion must equal the stream
// length" optimistic-concurrency check as the Postgres store. Used by unit
// tests and local/offline runs; events and snapshots are lost on restart.
type MemoryStore struct {
	mu         sync.Mutex
	streams    map[string][]Event
	globalMark int64
	snapshots  map[string]Snapshot
	clock      clock.Clock
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		streams:   make(map[string][]Event),
		snapshots: make(map[string]Snapshot),
		clock:     c,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, aggregateID string, drafts []Draft, expectedVersion int) ([]Event, error) {
	if len(drafts) == 0 {
		return nil, errs.New(errs.KindValidation, "empty_batch", "append requires at least one event")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[aggregateID]
	if len(stream) != expectedVersion {
		return nil, errs.ConcurrencyConflict
	}

	globalStart := m.globalMark + 1
	m.globalMark += int64(len(drafts))

	now := m.clock.Now()
	events := make([]Event, len(drafts))
	for i, d := range drafts {
		correlationID := d.CorrelationID
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		events[i] = Event{
			AggregateID:   aggregateID,
			EventType:     d.EventType,
			Version:       expectedVersion + i + 1,
			GlobalVersion: globalStart + int64(i),
			Timestamp:     now,
			SchemaVersion: d.SchemaVersion,
			Payload:       d.Payload,
			Metadata: Metadata{
				StoredAt:      now,
				CorrelationID: correlationID,
				CausationID:   d.CausationID,
			},
		}
	}

	m.streams[aggregateID] = append(stream, events...)
	return events, nil
}

func (m *MemoryStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[aggregateID]
	out := make([]Event, len(stream))
	copy(out, stream)
	return out, nil
}

func (m *MemoryStore) FindLatestByPredicate(ctx context.Context, eventType eventtypes.Type, match PredicateMatcher) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		aggregateID string
		globalVer   int64
	}
	var best *candidate

	for aggregateID, stream := range m.streams {
		if len(stream) == 0 || stream[0].EventType != eventType {
			continue
		}
		if !match(stream[0].Payload) {
			continue
		}
		if isDeletedStream(stream) {
			continue
		}
		if best == nil || stream[0].GlobalVersion > best.globalVer {
			best = &candidate{aggregateID: aggregateID, globalVer: stream[0].GlobalVersion}
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.aggregateID, true, nil
}

func isDeletedStream(stream []Event) bool {
	for _, ev := range stream {
		if strings.HasSuffix(string(ev.EventType), "Deleted") {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ReserveGlobalVersions(ctx context.Context, n int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalMark += int64(n)
	return m.globalMark, nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.snapshots[snap.AggregateID]
	if ok && existing.Version >= snap.Version {
		return nil
	}
	m.snapshots[snap.AggregateID] = snap
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
