package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/schema"
)

type inlineBus struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[bus.SubscriptionID]bus.Handler
	events   []busEvent
}

type busEvent struct {
	topic string
	data  map[string]any
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
	b.events = append(b.events, busEvent{topic: topic, data: data})
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

func (b *inlineBus) eventsOn(topic string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, e := range b.events {
		if e.topic == topic {
			out = append(out, e.data)
		}
	}
	return out
}

type coordFixture struct {
	bus   *inlineBus
	coord *Coordinator
	mu    sync.Mutex
	now   time.Time
}

func newCoordFixture(t *testing.T, cfg config.CoordinatorConfig) *coordFixture {
	t.Helper()
	f := &coordFixture{bus: newInlineBus(), now: time.Unix(400_000, 0)}
	f.coord = New(f.bus, cfg)
	f.coord.SetClock(func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	})
	if err := f.coord.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(f.coord.Detach)
	return f
}

func (f *coordFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func defaultCfg() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		RequestsPerSecond: 1000,
		Burst:             1000,
		DecisionTimeout:   100 * time.Millisecond,
		BreakerThreshold:  3,
		BreakerCooldown:   30 * time.Second,
	}
}

// answer wires a fake session manager that replies to every check request
// with the given decision.
func (f *coordFixture) answer(t *testing.T, decision Decision) {
	t.Helper()
	_, err := f.bus.Subscribe(schema.TopicSubscriptionCheckRequest, func(ctx context.Context, _ string, data map[string]any) error {
		return f.bus.Publish(ctx, schema.TopicSubscriptionCheckResponse, map[string]any{
			"request_id": data["request_id"],
			"decision":   string(decision),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	f.coord.RegisterSessionManager()
}

func TestFailOpenWithoutSessionManager(t *testing.T) {
	f := newCoordFixture(t, defaultCfg())
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "adapter-1"); got != Allowed {
		t.Fatalf("decision = %s, want ALLOWED fail-open", got)
	}
	if reqs := f.bus.eventsOn(schema.TopicSubscriptionCheckRequest); len(reqs) != 0 {
		t.Fatalf("unregistered manager still produced %d check requests", len(reqs))
	}
}

func TestSessionManagerDecisionPropagates(t *testing.T) {
	f := newCoordFixture(t, defaultCfg())
	f.answer(t, DeniedNoSession)
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "adapter-1"); got != DeniedNoSession {
		t.Fatalf("decision = %s, want DENIED_NO_SESSION", got)
	}

	f2 := newCoordFixture(t, defaultCfg())
	f2.answer(t, DeniedQuotaExceeded)
	if got := f2.coord.RequestSubscription(context.Background(), "ETH_USDT", "adapter-1"); got != DeniedQuotaExceeded {
		t.Fatalf("decision = %s, want DENIED_QUOTA_EXCEEDED", got)
	}
}

func TestTimeoutFailsOpen(t *testing.T) {
	cfg := defaultCfg()
	cfg.DecisionTimeout = 20 * time.Millisecond
	f := newCoordFixture(t, cfg)
	// Registered but nobody answers.
	f.coord.RegisterSessionManager()
	start := time.Now()
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "adapter-1"); got != Allowed {
		t.Fatalf("decision = %s, want ALLOWED on timeout", got)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the decision deadline")
	}
}

func TestRateLimitDenies(t *testing.T) {
	cfg := defaultCfg()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 1
	f := newCoordFixture(t, cfg)
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "a"); got != Allowed {
		t.Fatalf("first request = %s", got)
	}
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "a"); got != DeniedRateLimit {
		t.Fatalf("burst request = %s, want DENIED_RATE_LIMIT", got)
	}
}

func TestBreakerOpensAfterThresholdAndProbesAfterCooldown(t *testing.T) {
	f := newCoordFixture(t, defaultCfg())
	for i := 0; i < 3; i++ {
		f.coord.NotifySubscriptionFailure("BTC_USDT", fmt.Errorf("connect refused"))
	}
	if got := f.coord.CircuitBreakerState("BTC_USDT"); got != BreakerOpen {
		t.Fatalf("breaker = %s, want OPEN", got)
	}
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "a"); got != DeniedCircuitOpen {
		t.Fatalf("decision = %s, want DENIED_CIRCUIT_OPEN", got)
	}
	changes := f.bus.eventsOn(schema.TopicCircuitBreakerChanged)
	if len(changes) != 1 || changes[0]["state"] != string(BreakerOpen) {
		t.Fatalf("state change events = %+v", changes)
	}

	// Cooldown elapses: half-open lets a probe through.
	f.advance(31 * time.Second)
	if got := f.coord.CircuitBreakerState("BTC_USDT"); got != BreakerHalfOpen {
		t.Fatalf("breaker = %s, want HALF_OPEN", got)
	}
	if got := f.coord.RequestSubscription(context.Background(), "BTC_USDT", "a"); got != Allowed {
		t.Fatalf("half-open probe = %s, want ALLOWED", got)
	}

	// Probe succeeds: circuit closes.
	f.coord.NotifySubscriptionSuccess("BTC_USDT")
	if got := f.coord.CircuitBreakerState("BTC_USDT"); got != BreakerClosed {
		t.Fatalf("breaker = %s, want CLOSED", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	f := newCoordFixture(t, defaultCfg())
	for i := 0; i < 3; i++ {
		f.coord.NotifySubscriptionFailure("BTC_USDT", nil)
	}
	f.advance(31 * time.Second)
	if got := f.coord.CircuitBreakerState("BTC_USDT"); got != BreakerHalfOpen {
		t.Fatalf("breaker = %s, want HALF_OPEN", got)
	}
	f.coord.NotifySubscriptionFailure("BTC_USDT", nil)
	if got := f.coord.CircuitBreakerState("BTC_USDT"); got != BreakerOpen {
		t.Fatalf("breaker = %s, want OPEN after failed probe", got)
	}
}

func TestSessionCacheFollowsLifecycleEvents(t *testing.T) {
	f := newCoordFixture(t, defaultCfg())
	session := &schema.ExecutionSession{
		SessionID: "exec_20260101_000000_deadbeef",
		Mode:      schema.ModePaper,
		Symbols:   []string{"BTC_USDT", "ETH_USDT"},
		Status:    schema.StatusRunning,
	}
	if err := f.bus.Publish(context.Background(), schema.TopicSessionStarted, map[string]any{"session": session}); err != nil {
		t.Fatal(err)
	}
	if !f.coord.IsSessionActive("") || !f.coord.IsSessionActive(session.SessionID) {
		t.Fatal("session not active after session_started")
	}
	if got := f.coord.ActiveSymbols(); len(got) != 2 {
		t.Fatalf("active symbols = %v", got)
	}

	if err := f.bus.Publish(context.Background(), schema.TopicSessionCompleted, map[string]any{"session_id": session.SessionID}); err != nil {
		t.Fatal(err)
	}
	if f.coord.IsSessionActive("") {
		t.Fatal("session still active after session_completed")
	}
}
