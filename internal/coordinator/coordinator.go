// Package coordinator mediates between the market adapter and the session
// manager. Neither side holds a reference to the other: subscription checks
// travel over the bus, and the coordinator answers from its own rate limit
// and circuit-breaker state before asking anyone.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// Decision is a subscription request outcome.
type Decision string

const (
	Allowed             Decision = "ALLOWED"
	DeniedRateLimit     Decision = "DENIED_RATE_LIMIT"
	DeniedCircuitOpen   Decision = "DENIED_CIRCUIT_OPEN"
	DeniedNoSession     Decision = "DENIED_NO_SESSION"
	DeniedQuotaExceeded Decision = "DENIED_QUOTA_EXCEEDED"
)

// RateLimitStatus reports the token bucket configuration and level.
type RateLimitStatus struct {
	Limit  float64 `json:"limit"`
	Burst  int     `json:"burst"`
	Tokens float64 `json:"tokens"`
}

// Coordinator answers subscription requests. It is safe to use before a
// session manager registers; until then every check fails open.
type Coordinator struct {
	bus        bus.Bus
	limiter    *rate.Limiter
	breaker    *circuitBreaker
	timeout    time.Duration
	now        func() time.Time
	registered atomic.Bool

	mu      sync.Mutex
	pending map[string]chan Decision
	session *schema.ExecutionSession
	subs    []subRef
}

type subRef struct {
	topic string
	id    bus.SubscriptionID
}

// New builds a coordinator from config.
func New(b bus.Bus, cfg config.CoordinatorConfig) *Coordinator {
	now := time.Now
	return &Coordinator{
		bus:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: newCircuitBreaker(b, cfg.BreakerThreshold, cfg.BreakerCooldown, now),
		timeout: cfg.DecisionTimeout,
		now:     now,
		pending: make(map[string]chan Decision),
	}
}

// SetClock overrides wall time for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
		c.breaker.now = now
	}
}

// Attach subscribes to check responses and session lifecycle events.
func (c *Coordinator) Attach() error {
	for topic, handler := range map[string]bus.Handler{
		schema.TopicSubscriptionCheckResponse: c.onCheckResponse,
		schema.TopicSessionStarted:            c.onSessionStarted,
		schema.TopicSessionCompleted:          c.onSessionEnded,
		schema.TopicSessionFailed:             c.onSessionEnded,
	} {
		id, err := c.bus.Subscribe(topic, handler)
		if err != nil {
			c.Detach()
			return err
		}
		c.subs = append(c.subs, subRef{topic: topic, id: id})
	}
	return nil
}

// Detach unsubscribes from all topics.
func (c *Coordinator) Detach() {
	for _, s := range c.subs {
		c.bus.Unsubscribe(s.topic, s.id)
	}
	c.subs = nil
}

// RegisterSessionManager marks a session manager as listening on
// subscription.check_request. Until then checks fail open.
func (c *Coordinator) RegisterSessionManager() { c.registered.Store(true) }

// UnregisterSessionManager reverts to fail-open behaviour.
func (c *Coordinator) UnregisterSessionManager() { c.registered.Store(false) }

// RequestSubscription decides whether the requester may subscribe to the
// symbol: token bucket first, then breaker state, then the bus round-trip.
// Timeouts fail open to preserve availability.
func (c *Coordinator) RequestSubscription(ctx context.Context, symbol, requesterID string) Decision {
	if !c.limiter.Allow() {
		observability.Log().Warn("subscription request rate limited",
			observability.F("symbol", symbol),
			observability.F("requester", requesterID))
		return DeniedRateLimit
	}
	if c.breaker.State(symbol) == BreakerOpen {
		return DeniedCircuitOpen
	}
	if !c.registered.Load() {
		observability.Log().Debug("no session manager registered, allowing subscription",
			observability.F("symbol", symbol))
		return Allowed
	}

	requestID := uuid.NewString()
	reply := make(chan Decision, 1)
	c.mu.Lock()
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	err := c.bus.Publish(ctx, schema.TopicSubscriptionCheckRequest, map[string]any{
		"request_id":   requestID,
		"symbol":       symbol,
		"requester_id": requesterID,
	})
	if err != nil {
		observability.Log().Warn("subscription check publish failed, allowing",
			observability.F("symbol", symbol),
			observability.F("error", err.Error()))
		return Allowed
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case decision := <-reply:
		return decision
	case <-timer.C:
		observability.Log().Warn("subscription check timed out, allowing",
			observability.F("symbol", symbol),
			observability.F("request_id", requestID))
		return Allowed
	case <-ctx.Done():
		return Allowed
	}
}

// NotifySubscriptionSuccess closes the symbol's circuit.
func (c *Coordinator) NotifySubscriptionSuccess(symbol string) {
	c.breaker.RecordSuccess(symbol)
}

// NotifySubscriptionFailure counts a failure against the symbol's circuit.
func (c *Coordinator) NotifySubscriptionFailure(symbol string, cause error) {
	if cause != nil {
		observability.Log().Warn("subscription failure reported",
			observability.F("symbol", symbol),
			observability.F("error", cause.Error()))
	}
	c.breaker.RecordFailure(symbol)
}

// IsSessionActive reports whether the cached session is running. With an id
// it additionally matches the session id.
func (c *Coordinator) IsSessionActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return false
	}
	if sessionID != "" && c.session.SessionID != sessionID {
		return false
	}
	return true
}

// ActiveSymbols returns the cached session's symbols.
func (c *Coordinator) ActiveSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]string(nil), c.session.Symbols...)
}

// CircuitBreakerState exposes the per-symbol breaker state.
func (c *Coordinator) CircuitBreakerState(symbol string) BreakerState {
	return c.breaker.State(symbol)
}

// RateLimitStatus reports the token bucket level.
func (c *Coordinator) RateLimitStatus() RateLimitStatus {
	return RateLimitStatus{
		Limit:  float64(c.limiter.Limit()),
		Burst:  c.limiter.Burst(),
		Tokens: c.limiter.TokensAt(c.now()),
	}
}

func (c *Coordinator) onCheckResponse(_ context.Context, _ string, data map[string]any) error {
	requestID, _ := data["request_id"].(string)
	decision, _ := data["decision"].(string)
	if requestID == "" {
		return nil
	}
	c.mu.Lock()
	reply, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		// Late response after timeout; the request already failed open.
		return nil
	}
	select {
	case reply <- Decision(decision):
	default:
	}
	return nil
}

func (c *Coordinator) onSessionStarted(_ context.Context, _ string, data map[string]any) error {
	if session, ok := data["session"].(*schema.ExecutionSession); ok && session != nil {
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
	}
	return nil
}

func (c *Coordinator) onSessionEnded(_ context.Context, _ string, data map[string]any) error {
	sessionID, _ := data["session_id"].(string)
	c.mu.Lock()
	if c.session != nil && (sessionID == "" || c.session.SessionID == sessionID) {
		c.session = nil
	}
	c.mu.Unlock()
	return nil
}
