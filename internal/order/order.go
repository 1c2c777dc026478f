// Package order turns strategy signals into orders. Three managers share the
// same contract: live submits to an exchange, paper simulates fills against
// the current book, backtest fills instantly at the driving tick price. A
// Binding holds the active manager and can swap it atomically mid-run.
package order

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// Manager consumes signals and produces order lifecycle events on the bus.
type Manager interface {
	Mode() schema.SessionMode
	HandleSignal(ctx context.Context, sig *schema.Signal) error
}

// Positions exposes the open position lookup managers need to size CLOSE
// orders. *position.Tracker satisfies it.
type Positions interface {
	Position(symbol string) (*schema.Position, bool)
}

// Binding subscribes once to the signal stream and forwards to whichever
// manager is currently bound. Rebinding is atomic: in-flight signals finish
// on the manager that received them, later signals see the new one.
type Binding struct {
	bus     bus.Bus
	current atomic.Pointer[managerBox]
	subID   bus.SubscriptionID
}

type managerBox struct{ m Manager }

// NewBinding wraps the initial manager.
func NewBinding(b bus.Bus, m Manager) *Binding {
	bd := &Binding{bus: b}
	bd.current.Store(&managerBox{m: m})
	return bd
}

// Attach subscribes to signal_generated.
func (b *Binding) Attach() error {
	id, err := b.bus.Subscribe(schema.TopicSignalGenerated, b.onSignal)
	if err != nil {
		return err
	}
	b.subID = id
	return nil
}

// Detach unsubscribes from the signal stream.
func (b *Binding) Detach() {
	if b.subID != "" {
		b.bus.Unsubscribe(schema.TopicSignalGenerated, b.subID)
		b.subID = ""
	}
}

// Rebind swaps the active manager.
func (b *Binding) Rebind(m Manager) {
	b.current.Store(&managerBox{m: m})
	observability.Log().Info("order manager rebound",
		observability.F("mode", string(m.Mode())))
}

// Current returns the bound manager.
func (b *Binding) Current() Manager {
	return b.current.Load().m
}

func (b *Binding) onSignal(ctx context.Context, _ string, data map[string]any) error {
	sig, ok := data["signal"].(*schema.Signal)
	if !ok || sig == nil {
		observability.Log().Warn("signal event without signal payload")
		return nil
	}
	if sig.Action == schema.ActionLockSymbol {
		return nil
	}
	return b.Current().HandleSignal(ctx, sig)
}

func newOrderID() string {
	return "ord_" + uuid.NewString()[:8]
}

// sizeQuantity converts a per-order notional into a base quantity at price.
func sizeQuantity(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(price)
}

func buildOrder(sig *schema.Signal, side schema.OrderSide, qty decimal.Decimal, now time.Time) *schema.Order {
	return &schema.Order{
		OrderID:    newOrderID(),
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       schema.OrderMarket,
		Quantity:   qty,
		FilledQty:  decimal.Zero,
		Status:     schema.OrderNew,
		Timestamp:  now,
		Metadata:   map[string]any{"signal_type": string(sig.SignalType)},
	}
}

// closeSide is the side that flattens the position.
func closeSide(pos *schema.Position) schema.OrderSide {
	if pos.Side == schema.PositionLong {
		return schema.SideSell
	}
	return schema.SideBuy
}

func publishOrder(ctx context.Context, b bus.Bus, topic string, order *schema.Order, extra map[string]any) {
	data := map[string]any{"order": order.Clone()}
	for k, v := range extra {
		data[k] = v
	}
	if err := b.Publish(ctx, topic, data); err != nil {
		observability.Log().Warn("order event publish failed",
			observability.F("topic", topic),
			observability.F("order_id", order.OrderID),
			observability.F("error", err.Error()))
	}
}
