// Package risk enforces notional budgets and order throttling. The decision
// path is synchronous and lock-light so order managers can consult it inline
// before every submit.
package risk

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// Decision is the outcome of a pre-submit risk check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allocation is one configured budget slice, resolved to an absolute cap.
type Allocation struct {
	Key string          `json:"key"`
	Cap decimal.Decimal `json:"cap"`
}

// BudgetSummary snapshots budget state for the operator surface.
type BudgetSummary struct {
	GlobalCap   decimal.Decimal `json:"global_cap"`
	Used        decimal.Decimal `json:"used"`
	Available   decimal.Decimal `json:"available"`
	Allocations []Allocation    `json:"allocations"`
}

// Manager owns the notional budget. It is stateless with respect to market
// data; only budget usage and the throttle are mutable.
type Manager struct {
	bus         bus.Bus // optional, emits risk_alert on denials
	globalCap   decimal.Decimal
	maxPosition decimal.Decimal
	allocations []Allocation
	throttle    *rate.Limiter

	mu   sync.Mutex
	used decimal.Decimal
}

// NewManager resolves the configured budget. Percent allocations resolve
// against the global cap; the allocation total must not exceed it.
func NewManager(cfg config.RiskConfig, b bus.Bus) (*Manager, error) {
	globalCap, err := parseAmount(cfg.GlobalCap)
	if err != nil {
		return nil, errs.New("risk/config", errs.CodeInvalid,
			errs.WithCause(err), errs.WithMessage("invalid global cap"))
	}
	maxPosition, err := parseAmount(cfg.MaxPositionNotional)
	if err != nil {
		return nil, errs.New("risk/config", errs.CodeInvalid,
			errs.WithCause(err), errs.WithMessage("invalid max position notional"))
	}

	keys := make([]string, 0, len(cfg.Allocations))
	for key := range cfg.Allocations {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var allocations []Allocation
	total := decimal.Zero
	for _, key := range keys {
		cap, err := resolveAllocation(cfg.Allocations[key], globalCap)
		if err != nil {
			return nil, errs.New("risk/config", errs.CodeInvalid,
				errs.WithCause(err), errs.WithField("allocation", key))
		}
		allocations = append(allocations, Allocation{Key: key, Cap: cap})
		total = total.Add(cap)
	}
	if globalCap.IsPositive() && total.GreaterThan(globalCap) {
		return nil, errs.New("risk/config", errs.CodeInvalid,
			errs.WithMessage("allocations exceed global cap"),
			errs.WithField("total", total.String()),
			errs.WithField("global_cap", globalCap.String()))
	}

	return &Manager{
		bus:         b,
		globalCap:   globalCap,
		maxPosition: maxPosition,
		allocations: allocations,
		throttle:    rate.NewLimiter(rate.Limit(cfg.OrderThrottle), ceilBurst(cfg.OrderThrottle)),
		used:        decimal.Zero,
	}, nil
}

// CanOpenPosition is the synchronous pre-submit gate. It never blocks: the
// throttle check consumes a token only when one is available.
func (m *Manager) CanOpenPosition(symbol string, notional decimal.Decimal, leverage decimal.Decimal) Decision {
	if notional.IsNegative() || notional.IsZero() {
		return m.deny(symbol, "notional must be positive")
	}
	exposure := notional
	if leverage.GreaterThan(decimal.NewFromInt(1)) {
		exposure = notional.Mul(leverage)
	}
	if m.maxPosition.IsPositive() && exposure.GreaterThan(m.maxPosition) {
		return m.deny(symbol, "exceeds max position notional")
	}

	m.mu.Lock()
	overCap := m.globalCap.IsPositive() && m.used.Add(exposure).GreaterThan(m.globalCap)
	m.mu.Unlock()
	if overCap {
		return m.deny(symbol, "insufficient budget")
	}

	if !m.throttle.Allow() {
		return m.deny(symbol, "order rate limit exceeded")
	}
	return Decision{Allowed: true}
}

// UseBudget reserves notional against the global cap.
func (m *Manager) UseBudget(notional decimal.Decimal) {
	if !notional.IsPositive() {
		return
	}
	m.mu.Lock()
	m.used = m.used.Add(notional)
	m.mu.Unlock()
}

// ReleaseBudget returns notional to the pool, clamping at zero.
func (m *Manager) ReleaseBudget(notional decimal.Decimal) {
	if !notional.IsPositive() {
		return
	}
	m.mu.Lock()
	m.used = m.used.Sub(notional)
	if m.used.IsNegative() {
		m.used = decimal.Zero
	}
	m.mu.Unlock()
}

// Summary snapshots the budget.
func (m *Manager) Summary() BudgetSummary {
	m.mu.Lock()
	used := m.used
	m.mu.Unlock()
	available := m.globalCap.Sub(used)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return BudgetSummary{
		GlobalCap:   m.globalCap,
		Used:        used,
		Available:   available,
		Allocations: append([]Allocation(nil), m.allocations...),
	}
}

func (m *Manager) deny(symbol, reason string) Decision {
	observability.Log().Warn("position denied by risk check",
		observability.F("symbol", symbol),
		observability.F("reason", reason))
	if m.bus != nil {
		err := m.bus.Publish(context.Background(), schema.TopicRiskAlert, map[string]any{
			"symbol": symbol,
			"reason": reason,
			"detail": "can_open_position",
		})
		if err != nil {
			observability.Log().Warn("risk alert publish failed",
				observability.F("error", err.Error()))
		}
	}
	return Decision{Allowed: false, Reason: reason}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func resolveAllocation(raw string, globalCap decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "%") {
		pct, err := decimal.NewFromString(strings.TrimSuffix(raw, "%"))
		if err != nil {
			return decimal.Zero, err
		}
		return globalCap.Mul(pct).Div(decimal.NewFromInt(100)), nil
	}
	return decimal.NewFromString(raw)
}

func ceilBurst(perSecond float64) int {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return burst
}
