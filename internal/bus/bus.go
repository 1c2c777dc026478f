// Package bus implements the in-process publish/subscribe fabric every
// trading-core component communicates through.
package bus

import (
	"context"
	"time"
)

// Handler consumes a published record. A non-nil error marks the delivery
// attempt failed; the bus retries per its schedule and then abandons it.
type Handler func(ctx context.Context, topic string, data map[string]any) error

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Health reports bus liveness for the operator surface.
type Health struct {
	Healthy           bool `json:"healthy"`
	ActiveSubscribers int  `json:"active_subscribers"`
	TotalTopics       int  `json:"total_topics"`
	ShutdownRequested bool `json:"shutdown_requested"`
}

// Bus delivers topic-addressed records with at-least-once semantics.
//
// Ordering guarantee: delivery is serialised per subscriber. Each subscription
// owns a dispatch goroutine fed by a bounded queue, so per-topic publish order
// is preserved for every subscriber and survives the retry schedule. Under
// backpressure the oldest queued delivery is dropped.
type Bus interface {
	Subscribe(topic string, handler Handler) (SubscriptionID, error)
	Unsubscribe(topic string, id SubscriptionID)
	Publish(ctx context.Context, topic string, data map[string]any) error
	Shutdown(ctx context.Context) error
	HealthCheck() Health
	Topics() []string
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// QueueSize bounds each subscriber's pending deliveries.
	QueueSize int
	// MaxRetries bounds redelivery attempts after the first failure.
	MaxRetries int
	// RetryInitialInterval seeds the exponential retry schedule (1s, 2s, 4s).
	RetryInitialInterval time.Duration
	// WarnInterval rate-limits drop warnings per subscriber.
	WarnInterval time.Duration

	// Sleep overrides the retry sleeper; tests inject a recorder here.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = time.Second
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = 5 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return c
}
