// Package reliability holds runnable probes that validate the core's
// behavior under the failure modes operators care about: concurrent
// writers racing on one aggregate, and duplicate delivery of the same
// event to a projection. Each probe states a hypothesis and reports
// whether the live system upheld it, so the same checks run both in tests
// and against a staging deployment.
package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
)

// Result is a probe's verdict.
type Result struct {
	Passed  bool
	Details string
}

// Probe is a named reliability check.
type Probe struct {
	Name       string
	Hypothesis string
	Run        func(ctx context.Context) (Result, error)
}

// ConcurrentWritersProbe races `writers` goroutines against a single
// aggregate, each appending `perWriter` events with a load-head-and-retry
// loop. The hypothesis: optimistic concurrency serializes them, every
// append lands, and the final stream is contiguous 1..writers*perWriter.
func ConcurrentWritersProbe(store eventstore.Store, writers, perWriter int) Probe {
	return Probe{
		Name:       "concurrent-writers",
		Hypothesis: "concurrent commands on one aggregate serialize through version conflicts without losing events",
		Run: func(ctx context.Context) (Result, error) {
			const aggregateID = "reliability-probe-aggregate"

			var wg sync.WaitGroup
			errCh := make(chan error, writers)

			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(writer int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						if err := appendWithRetry(ctx, store, aggregateID, writer, i); err != nil {
							errCh <- err
							return
						}
					}
				}(w)
			}
			wg.Wait()
			close(errCh)
			for err := range errCh {
				return Result{}, err
			}

			events, err := store.Load(ctx, aggregateID)
			if err != nil {
				return Result{}, err
			}

			want := writers * perWriter
			if len(events) != want {
				return Result{Details: fmt.Sprintf("expected %d events, found %d", want, len(events))}, nil
			}
			for i, ev := range events {
				if ev.Version != i+1 {
					return Result{Details: fmt.Sprintf("version gap at index %d: got %d", i, ev.Version)}, nil
				}
			}
			return Result{Passed: true, Details: fmt.Sprintf("%d writers × %d appends, stream contiguous", writers, perWriter)}, nil
		},
	}
}

// appendWithRetry is the same load-head-then-append loop command handlers
// use, unbounded here because the probe wants every write to land
// eventually.
func appendWithRetry(ctx context.Context, store eventstore.Store, aggregateID string, writer, i int) error {
	payload, _ := json.Marshal(map[string]int{"writer": writer, "op": i})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, err := store.Load(ctx, aggregateID)
		if err != nil {
			return err
		}
		_, err = store.Append(ctx, aggregateID, []eventstore.Draft{{
			EventType: eventtypes.WalletBalanceUpdated, SchemaVersion: 1, Payload: payload,
		}}, len(head))
		if err == nil {
			return nil
		}
		switch errs.KindOf(err) {
		case errs.KindConcurrencyConflict, errs.KindDuplicateEvent:
			continue
		default:
			return err
		}
	}
}

// RedeliveryProbe hands the same event to handler `deliveries` times and
// compares the state snapshot after the first delivery against the last.
// The hypothesis: version-guarded projections make redelivery a no-op.
func RedeliveryProbe(handler eventbus.Handler, event eventstore.Event, snapshot func(ctx context.Context) (string, error), deliveries int) Probe {
	return Probe{
		Name:       "redelivery-idempotency",
		Hypothesis: "redelivering an already-applied event leaves the projection unchanged",
		Run: func(ctx context.Context) (Result, error) {
			if err := handler(ctx, event); err != nil {
				return Result{}, err
			}
			first, err := snapshot(ctx)
			if err != nil {
				return Result{}, err
			}

			for i := 1; i < deliveries; i++ {
				if err := handler(ctx, event); err != nil {
					return Result{}, err
				}
			}

			last, err := snapshot(ctx)
			if err != nil {
				return Result{}, err
			}
			if first != last {
				return Result{Details: fmt.Sprintf("state drifted after redelivery: %q -> %q", first, last)}, nil
			}
			return Result{Passed: true, Details: fmt.Sprintf("%d deliveries, state stable", deliveries)}, nil
		},
	}
}
