package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// sleepRecorder captures retry gaps without actually sleeping.
type sleepRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.durations = append(r.durations, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.durations))
	copy(out, r.durations)
	return out
}

func newTestBus(rec *sleepRecorder) *MemoryBus {
	cfg := MemoryConfig{QueueSize: 64}
	if rec != nil {
		cfg.Sleep = rec.sleep
	}
	return NewMemoryBus(cfg)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRetryExhaustionInvokesFourTimesWithExponentialGaps(t *testing.T) {
	rec := new(sleepRecorder)
	b := newTestBus(rec)
	defer func() { _ = b.Shutdown(context.Background()) }()

	var mu sync.Mutex
	failing := 0
	peer := 0

	if _, err := b.Subscribe("t", func(context.Context, string, map[string]any) error {
		mu.Lock()
		failing++
		mu.Unlock()
		return errors.New("always fails")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("t", func(context.Context, string, map[string]any) error {
		mu.Lock()
		peer++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe peer: %v", err)
	}

	if err := b.Publish(context.Background(), "t", map[string]any{"v": 1}); err != nil {
		t.Fatalf("publish must not surface handler errors: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failing == 4 && peer == 1
	})

	gaps := rec.recorded()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(gaps) != len(want) {
		t.Fatalf("expected %d retry gaps, got %v", len(want), gaps)
	}
	for i, g := range gaps {
		if g != want[i] {
			t.Fatalf("gap %d: got %v want %v", i, g, want[i])
		}
	}
}

func TestPanickingHandlerIsIsolatedAndRetried(t *testing.T) {
	rec := new(sleepRecorder)
	b := newTestBus(rec)
	defer func() { _ = b.Shutdown(context.Background()) }()

	var mu sync.Mutex
	calls := 0
	if _, err := b.Subscribe("t", func(context.Context, string, map[string]any) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "t", map[string]any{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 4
	})
}

func TestUnsubscribeStopsDeliveryAndRemovesEmptyTopic(t *testing.T) {
	b := newTestBus(nil)
	defer func() { _ = b.Shutdown(context.Background()) }()

	var mu sync.Mutex
	seen := 0
	id, err := b.Subscribe("market.price_update", func(context.Context, string, map[string]any) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = b.Publish(context.Background(), "market.price_update", map[string]any{"n": 1})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	})

	b.Unsubscribe("market.price_update", id)

	if got := len(b.Topics()); got != 0 {
		t.Fatalf("topic should be removed with its last subscriber, have %d topics", got)
	}

	_ = b.Publish(context.Background(), "market.price_update", map[string]any{"n": 2})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if seen != 1 {
		t.Fatalf("no delivery may reach an unsubscribed handler, saw %d", seen)
	}
}

func TestPerSubscriberOrderingIsPreserved(t *testing.T) {
	b := newTestBus(nil)
	defer func() { _ = b.Shutdown(context.Background()) }()

	var mu sync.Mutex
	var order []int
	if _, err := b.Subscribe(schema.TopicPriceUpdate, func(_ context.Context, _ string, data map[string]any) error {
		mu.Lock()
		order = append(order, data["seq"].(int))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		_ = b.Publish(context.Background(), schema.TopicPriceUpdate, map[string]any{"seq": i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order broken at %d: got %d", i, v)
		}
	}
}

func TestShutdownDropsSubsequentPublishes(t *testing.T) {
	b := newTestBus(nil)

	var mu sync.Mutex
	seen := 0
	if _, err := b.Subscribe("t", func(context.Context, string, map[string]any) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := b.Publish(context.Background(), "t", map[string]any{}); err != nil {
		t.Fatalf("post-shutdown publish must be dropped silently, got %v", err)
	}

	health := b.HealthCheck()
	if health.Healthy || !health.ShutdownRequested {
		t.Fatalf("unexpected health after shutdown: %+v", health)
	}
	if health.ActiveSubscribers != 0 || health.TotalTopics != 0 {
		t.Fatalf("shutdown must clear subscriptions: %+v", health)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen != 0 {
		t.Fatalf("no publish happened before shutdown, saw %d deliveries", seen)
	}
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(nil)
	defer func() { _ = b.Shutdown(context.Background()) }()

	if _, err := b.Subscribe("", func(context.Context, string, map[string]any) error { return nil }); err == nil {
		t.Fatal("empty topic must be rejected")
	}
	if _, err := b.Subscribe("t", nil); err == nil {
		t.Fatal("nil handler must be rejected")
	}
	if err := b.Publish(context.Background(), "", map[string]any{}); err == nil {
		t.Fatal("empty topic publish must be rejected")
	}
}

func TestHealthCheckCountsTopicsAndSubscribers(t *testing.T) {
	b := newTestBus(nil)
	defer func() { _ = b.Shutdown(context.Background()) }()

	handler := func(context.Context, string, map[string]any) error { return nil }
	if _, err := b.Subscribe("a", handler); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("a", handler); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("b", handler); err != nil {
		t.Fatal(err)
	}

	health := b.HealthCheck()
	if health.ActiveSubscribers != 3 || health.TotalTopics != 2 || !health.Healthy {
		t.Fatalf("unexpected health: %+v", health)
	}
}
