package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libranexus/pkg/eventtypes"
)

// TestProperty_VersionContiguity appends random batches to random
// aggregates and checks every stream ends up with versions 1..N, no gaps,
// no duplicates.
func TestProperty_VersionContiguity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore(nil)
		ctx := context.Background()

		heads := map[string]int{}
		aggregateIDs := []string{"agg-a", "agg-b", "agg-c"}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(aggregateIDs).Draw(rt, "aggregate")
			batch := rapid.IntRange(1, 4).Draw(rt, "batch")

			drafts := make([]Draft, batch)
			for j := range drafts {
				payload, _ := json.Marshal(map[string]int{"step": i, "index": j})
				drafts[j] = Draft{EventType: eventtypes.BookUpdated, SchemaVersion: 1, Payload: payload}
			}

			_, err := store.Append(ctx, id, drafts, heads[id])
			if err != nil {
				rt.Fatalf("append failed at expectedVersion %d: %v", heads[id], err)
			}
			heads[id] += batch
		}

		for id, head := range heads {
			events, err := store.Load(ctx, id)
			if err != nil {
				rt.Fatalf("load failed: %v", err)
			}
			if len(events) != head {
				rt.Fatalf("aggregate %s: expected %d events, got %d", id, head, len(events))
			}
			for i, ev := range events {
				if ev.Version != i+1 {
					rt.Fatalf("aggregate %s: version gap at index %d: got %d", id, i, ev.Version)
				}
			}
		}
	})
}

// TestProperty_GlobalVersionMonotonicity checks global sequence numbers are
// unique and strictly increasing in append order across all aggregates.
func TestProperty_GlobalVersionMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore(nil)
		ctx := context.Background()

		heads := map[string]int{}
		var appended []Event

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := fmt.Sprintf("agg-%d", rapid.IntRange(0, 4).Draw(rt, "aggregate"))
			batch := rapid.IntRange(1, 3).Draw(rt, "batch")

			drafts := make([]Draft, batch)
			for j := range drafts {
				drafts[j] = Draft{EventType: eventtypes.WalletBalanceUpdated, SchemaVersion: 1, Payload: json.RawMessage(`{}`)}
			}

			events, err := store.Append(ctx, id, drafts, heads[id])
			if err != nil {
				rt.Fatalf("append failed: %v", err)
			}
			heads[id] += batch
			appended = append(appended, events...)
		}

		seen := map[int64]bool{}
		var prev int64
		for i, ev := range appended {
			if seen[ev.GlobalVersion] {
				rt.Fatalf("duplicate global version %d", ev.GlobalVersion)
			}
			seen[ev.GlobalVersion] = true
			if i > 0 && ev.GlobalVersion <= prev {
				rt.Fatalf("global version not increasing: %d after %d", ev.GlobalVersion, prev)
			}
			prev = ev.GlobalVersion
		}
	})
}

// TestProperty_ConcurrencyCheckIsExclusive: for any head version, exactly
// one of two appends with the same expectedVersion succeeds.
func TestProperty_ConcurrencyCheckIsExclusive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore(nil)
		ctx := context.Background()

		depth := rapid.IntRange(0, 10).Draw(rt, "depth")
		for i := 0; i < depth; i++ {
			_, err := store.Append(ctx, "agg", []Draft{{EventType: eventtypes.BookUpdated, Payload: json.RawMessage(`{}`)}}, i)
			require.NoError(rt, err)
		}

		draft := []Draft{{EventType: eventtypes.BookUpdated, Payload: json.RawMessage(`{}`)}}
		_, err1 := store.Append(ctx, "agg", draft, depth)
		_, err2 := store.Append(ctx, "agg", draft, depth)

		if (err1 == nil) == (err2 == nil) {
			rt.Fatalf("expected exactly one append at version %d to succeed: err1=%v err2=%v", depth, err1, err2)
		}
	})
}
