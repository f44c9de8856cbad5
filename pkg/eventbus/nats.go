package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"libranexus/pkg/errs"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
)

// NATSBus is the production Bus: one JetStream stream ("EVENTS", subjects
// "events.>") shared by every service, one durable consumer per service
// forming a competing-consumers queue group, and publish wrapped in a
// circuit breaker so a wedged broker fails fast instead of blocking every
// command handler behind broker timeouts.
type NATSBus struct {
	url         string
	serviceName string
	log         logging.Logger

	nc *nats.Conn
	js nats.JetStreamContext

	mu         sync.RWMutex
	handlers   map[eventtypes.Type][]Handler
	catchAll   []Handler
	boundTypes map[eventtypes.Type]bool
	sub        *nats.Subscription
	publishCB  *gobreaker.CircuitBreaker
	consuming  bool
	prefetch   int
	limiter    *rate.Limiter

	publishCounter metric.Int64Counter
	consumeCounter metric.Int64Counter
}

const streamName = "EVENTS"

// NewNATSBus builds a bus bound to the given service's durable queue name
// (e.g. "books", "wallets", "reservations").
func NewNATSBus(url, serviceName string, log logging.Logger) *NATSBus {
	if log == nil {
		log = logging.Noop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eventbus-publish",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	meter := otel.Meter("libranexus/eventbus")
	publishCounter, _ := meter.Int64Counter("eventbus.events_published")
	consumeCounter, _ := meter.Int64Counter("eventbus.events_consumed")
	prefetch := runtime.NumCPU()
	return &NATSBus{
		url:         url,
		serviceName: serviceName,
		log:         log.With("component", "eventbus", "service", serviceName),
		handlers:    make(map[eventtypes.Type][]Handler),
		boundTypes:  make(map[eventtypes.Type]bool),
		publishCB:   cb,
		prefetch:    prefetch,
		limiter:     rate.NewLimiter(rate.Limit(prefetch*50), prefetch),

		publishCounter: publishCounter,
		consumeCounter: consumeCounter,
	}
}

var _ Bus = (*NATSBus)(nil)

func (b *NATSBus) Init(ctx context.Context) error {
	nc, err := nats.Connect(b.url,
		nats.Name("libranexus-"+b.serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errs.Wrap(errs.KindBusFailure, "nats_connect_failed", "failed to connect to event bus", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return errs.Wrap(errs.KindBusFailure, "jetstream_init_failed", "failed to open jetstream context", err)
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{"events.>"},
			Retention: nats.InterestPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return errs.Wrap(errs.KindBusFailure, "stream_create_failed", "failed to declare events stream", err)
		}
	}

	b.nc = nc
	b.js = js
	return nil
}

func (b *NATSBus) Subscribe(eventType eventtypes.Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.boundTypes[eventType] = true
}

func (b *NATSBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, handler)
}

func (b *NATSBus) Unsubscribe(eventType eventtypes.Type, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.handlers[eventType]
	if !ok {
		return false
	}
	target := fmt.Sprintf("%p", handler)
	for i, h := range existing {
		if fmt.Sprintf("%p", h) == target {
			b.handlers[eventType] = append(existing[:i], existing[i+1:]...)
			return true
		}
	}
	return false
}

func (b *NATSBus) BindEventTypes(eventTypes []eventtypes.Type) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.boundTypes[t] = true
	}
	return nil
}

func (b *NATSBus) subject(eventType eventtypes.Type) string {
	return "events." + string(eventType)
}

func (b *NATSBus) Publish(ctx context.Context, event eventstore.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "event_marshal_failed", "failed to marshal event for publish", err)
	}

	_, err = b.publishCB.Execute(func() (interface{}, error) {
		_, err := b.js.Publish(b.subject(event.EventType), payload,
			nats.MsgId(fmt.Sprintf("%s:%d:%s", event.AggregateID, event.GlobalVersion, event.EventType)))
		return nil, err
	})
	if err != nil {
		return errs.Wrap(errs.KindBusFailure, "publish_failed", "failed to publish event", err)
	}
	b.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(event.EventType))))
	return nil
}

// StartConsuming subscribes the service's durable queue to every bound
// routing key via a wildcard subject, and dispatches to the per-type and
// catch-all handlers registered so far.
func (b *NATSBus) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	if b.consuming {
		b.mu.Unlock()
		return nil
	}
	b.consuming = true
	b.mu.Unlock()

	durable := "svc-" + b.serviceName
	sub, err := b.js.QueueSubscribe("events.>", durable, func(msg *nats.Msg) {
		b.dispatch(ctx, msg)
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.MaxAckPending(b.prefetch))
	if err != nil {
		return errs.Wrap(errs.KindBusFailure, "subscribe_failed", "failed to start consuming", err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// dispatch applies consumer-side back-pressure (bounded in-flight per
// subscriber, sized to the CPU count) before running handlers: a wedged
// handler pool slows intake instead of piling up unacked redeliveries.
func (b *NATSBus) dispatch(ctx context.Context, msg *nats.Msg) {
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}

	var event eventstore.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.log.Error("failed to decode event, acking to avoid poison loop", "error", err)
		_ = msg.Ack()
		return
	}

	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers[event.EventType]...)
	handlers = append(handlers, b.catchAll...)
	bound := b.boundTypes[event.EventType] || len(b.catchAll) > 0
	b.mu.RUnlock()

	if !bound {
		_ = msg.Ack()
		return
	}
	b.consumeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(event.EventType))))

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.log.Warn("handler failed, synthesizing failure event", "eventType", event.EventType, "aggregateId", event.AggregateID, "error", err)
			failedType, payload := marshalFailure(event, err)
			failure := event
			failure.EventType = failedType
			failure.Payload = payload
			if pubErr := b.Publish(ctx, failure); pubErr != nil {
				b.log.Error("failed to publish failure event", "error", pubErr)
			}
		}
	}
	_ = msg.Ack()
}

func (b *NATSBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	b.consuming = false
	return nil
}

func (b *NATSBus) CheckHealth(ctx context.Context) (Health, error) {
	if b.nc == nil || !b.nc.IsConnected() {
		return Health{Status: "down", Details: "not connected"}, errs.New(errs.KindBusFailure, "bus_down", "event bus not connected")
	}
	return Health{Status: "up", Details: b.nc.ConnectedUrl()}, nil
}
