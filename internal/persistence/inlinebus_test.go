package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantfabric/tradecore/internal/bus"
)

// inlineBus dispatches synchronously so tests observe writes deterministically.
type inlineBus struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[bus.SubscriptionID]bus.Handler
}

func newInlineBus() *inlineBus {
	return &inlineBus{handlers: make(map[string]map[bus.SubscriptionID]bus.Handler)}
}

func (b *inlineBus) Subscribe(topic string, handler bus.Handler) (bus.SubscriptionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := bus.SubscriptionID(fmt.Sprintf("sub-%d", b.next))
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[bus.SubscriptionID]bus.Handler)
	}
	b.handlers[topic][id] = handler
	return id, nil
}

func (b *inlineBus) Unsubscribe(topic string, id bus.SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[topic], id)
}

func (b *inlineBus) Publish(ctx context.Context, topic string, data map[string]any) error {
	b.mu.Lock()
	handlers := make([]bus.Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, topic, data)
	}
	return nil
}

func (b *inlineBus) Shutdown(context.Context) error { return nil }
func (b *inlineBus) HealthCheck() bus.Health        { return bus.Health{Healthy: true} }
func (b *inlineBus) Topics() []string               { return nil }
