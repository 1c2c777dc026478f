package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// BreakerState is the per-symbol circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

type breakerEntry struct {
	state     BreakerState
	failures  int
	openedAt  time.Time
	publishAt time.Time
}

// circuitBreaker tracks consecutive subscription failures per symbol. After
// threshold failures the circuit opens; once the cooldown passes it lets a
// single probe through (half-open) and closes again on success.
type circuitBreaker struct {
	bus       bus.Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	symbols map[string]*breakerEntry
}

func newCircuitBreaker(b bus.Bus, threshold int, cooldown time.Duration, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		bus:       b,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		symbols:   make(map[string]*breakerEntry),
	}
}

// State returns the effective state, promoting OPEN to HALF_OPEN once the
// cooldown has elapsed.
func (c *circuitBreaker) State(symbol string) BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.symbols[symbol]
	if !ok {
		return BreakerClosed
	}
	if entry.state == BreakerOpen && c.now().Sub(entry.openedAt) >= c.cooldown {
		entry.state = BreakerHalfOpen
		c.announceLocked(symbol, BreakerHalfOpen)
	}
	return entry.state
}

// RecordSuccess closes the circuit and clears the failure count.
func (c *circuitBreaker) RecordSuccess(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.symbols[symbol]
	if !ok {
		return
	}
	if entry.state != BreakerClosed {
		c.announceLocked(symbol, BreakerClosed)
	}
	delete(c.symbols, symbol)
}

// RecordFailure counts a failure, opening the circuit at the threshold. A
// failed half-open probe re-opens immediately.
func (c *circuitBreaker) RecordFailure(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.symbols[symbol]
	if !ok {
		entry = &breakerEntry{state: BreakerClosed}
		c.symbols[symbol] = entry
	}
	entry.failures++
	if entry.state == BreakerHalfOpen || (entry.state == BreakerClosed && entry.failures >= c.threshold) {
		entry.state = BreakerOpen
		entry.openedAt = c.now()
		c.announceLocked(symbol, BreakerOpen)
	}
}

func (c *circuitBreaker) announceLocked(symbol string, state BreakerState) {
	observability.Log().Warn("circuit breaker state changed",
		observability.F("symbol", symbol),
		observability.F("state", string(state)))
	err := c.bus.Publish(context.Background(), schema.TopicCircuitBreakerChanged, map[string]any{
		"symbol": symbol,
		"state":  string(state),
	})
	if err != nil {
		observability.Log().Warn("breaker state publish failed",
			observability.F("error", err.Error()))
	}
}
