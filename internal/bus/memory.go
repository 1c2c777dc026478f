package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/telemetry"
)

// MemoryBus is the in-memory implementation of the trading-core bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[string]map[SubscriptionID]*subscriber
	shutdown    bool
	nextID      uint64

	dispatchers conc.WaitGroup

	publishedCounter metric.Int64Counter
	deliveredCounter metric.Int64Counter
	retryCounter     metric.Int64Counter
	abandonedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

type delivery struct {
	topic string
	data  map[string]any
}

type subscriber struct {
	id      SubscriptionID
	topic   string
	handler Handler
	queue   chan delivery
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	warnMu   sync.Mutex
	lastWarn time.Time
	dropped  atomic.Int64
}

// NewMemoryBus constructs the in-memory bus and starts no goroutines until
// the first subscription arrives.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(MemoryBus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[string]map[SubscriptionID]*subscriber)

	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of records published to the bus"),
		metric.WithUnit("{event}"))
	b.deliveredCounter, _ = meter.Int64Counter("bus.events.delivered",
		metric.WithDescription("Number of successful handler deliveries"),
		metric.WithUnit("{event}"))
	b.retryCounter, _ = meter.Int64Counter("bus.delivery.retries",
		metric.WithDescription("Number of delivery retries"),
		metric.WithUnit("{retry}"))
	b.abandonedCounter, _ = meter.Int64Counter("bus.delivery.abandoned",
		metric.WithDescription("Number of deliveries abandoned after retry exhaustion"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.delivery.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return b
}

// Subscribe registers a handler for the topic and returns its subscription id.
func (b *MemoryBus) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	if topic == "" {
		return "", errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if handler == nil {
		return "", errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return "", errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus shut down"))
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	ctx, cancel := context.WithCancel(b.ctx)
	sub := &subscriber{
		id:      id,
		topic:   topic,
		handler: handler,
		queue:   make(chan delivery, b.cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	b.dispatchers.Go(func() { b.dispatch(sub) })
	return id, nil
}

// Unsubscribe removes the subscription. Deliveries already handed to the
// handler complete; queued deliveries are discarded. When the last subscriber
// of a topic leaves, the topic entry is removed.
func (b *MemoryBus) Unsubscribe(topic string, id SubscriptionID) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	sub, ok := subs[id]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
	if ok {
		sub.cancel()
		<-sub.done
	}
}

// Publish enqueues the record for every subscriber of the topic. It never
// blocks on slow handlers and never surfaces handler errors.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data map[string]any) error {
	if topic == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		observability.Log().Warn("bus: publish after shutdown dropped",
			observability.F("topic", topic))
		return nil
	}
	subMap := b.subscribers[topic]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(topic)...))
	}

	for _, sub := range subs {
		b.enqueue(ctx, sub, delivery{topic: topic, data: data})
	}
	return nil
}

func (b *MemoryBus) enqueue(ctx context.Context, sub *subscriber, d delivery) {
	select {
	case sub.queue <- d:
		return
	default:
	}
	// Queue full: drop the oldest pending delivery to admit the newest.
	select {
	case <-sub.queue:
	default:
	}
	sub.dropped.Add(1)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(d.topic)...))
	}
	sub.warnMu.Lock()
	now := time.Now()
	warn := now.Sub(sub.lastWarn) >= b.cfg.WarnInterval
	if warn {
		sub.lastWarn = now
	}
	dropped := sub.dropped.Load()
	sub.warnMu.Unlock()
	if warn {
		observability.Log().Warn("bus: subscriber queue full, dropped oldest delivery",
			observability.F("topic", d.topic),
			observability.F("subscription", string(sub.id)),
			observability.F("dropped_total", dropped))
	}
	select {
	case sub.queue <- d:
	default:
	}
}

// dispatch runs the per-subscriber delivery loop. Order is preserved because
// retries happen inline before the next delivery is taken.
func (b *MemoryBus) dispatch(sub *subscriber) {
	defer close(sub.done)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case d := <-sub.queue:
			if sub.ctx.Err() != nil {
				return
			}
			b.deliver(sub, d)
		}
	}
}

// deliver invokes the handler with the retry schedule: one initial attempt
// plus MaxRetries redeliveries with exponential gaps (1s, 2s, 4s). Failures
// are isolated; after exhaustion the delivery is logged and abandoned.
func (b *MemoryBus) deliver(sub *subscriber, d delivery) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitialInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = b.cfg.RetryInitialInterval << uint(b.cfg.MaxRetries)

	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if b.retryCounter != nil {
				b.retryCounter.Add(sub.ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(d.topic)...))
			}
			if err := b.cfg.Sleep(sub.ctx, bo.NextBackOff()); err != nil {
				return
			}
		}
		lastErr = b.invoke(sub, d)
		if lastErr == nil {
			if b.deliveredCounter != nil {
				b.deliveredCounter.Add(sub.ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(d.topic)...))
			}
			return
		}
	}

	if b.abandonedCounter != nil {
		b.abandonedCounter.Add(sub.ctx, 1, metric.WithAttributes(
			append(telemetry.TopicAttributes(d.topic), attribute.String("reason", "retries_exhausted"))...))
	}
	observability.Log().Error("bus: delivery abandoned after retries",
		observability.F("topic", d.topic),
		observability.F("subscription", string(sub.id)),
		observability.F("attempts", b.cfg.MaxRetries+1),
		observability.F("error", lastErr))
}

// invoke runs the handler guarding against panics; a panic counts as a
// failed attempt and feeds the same retry schedule as a returned error.
func (b *MemoryBus) invoke(sub *subscriber, d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(sub.ctx, d.topic, d.data)
}

// Shutdown stops accepting publishes, lets in-flight deliveries complete
// within the context deadline, and tears down all subscriptions.
func (b *MemoryBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	var all []*subscriber
	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			all = append(all, sub)
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()

	// Drain: give queued deliveries a chance to flush before cancelling.
	drained := make(chan struct{})
	go func() {
		for _, sub := range all {
			for len(sub.queue) > 0 {
				select {
				case <-ctx.Done():
					close(drained)
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
		close(drained)
	}()
	select {
	case <-ctx.Done():
	case <-drained:
	}

	b.cancel()
	for _, sub := range all {
		<-sub.done
	}
	b.dispatchers.Wait()
	if err := ctx.Err(); err != nil {
		return errs.New("bus/shutdown", errs.CodeTimeout, errs.WithCause(err))
	}
	return nil
}

// HealthCheck reports liveness counters for the operator surface.
func (b *MemoryBus) HealthCheck() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, subs := range b.subscribers {
		total += len(subs)
	}
	return Health{
		Healthy:           !b.shutdown,
		ActiveSubscribers: total,
		TotalTopics:       len(b.subscribers),
		ShutdownRequested: b.shutdown,
	}
}

// Topics lists topics that currently have at least one subscriber.
func (b *MemoryBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.subscribers))
	for topic := range b.subscribers {
		topics = append(topics, topic)
	}
	return topics
}
