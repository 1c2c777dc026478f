// Package position maintains netted per-symbol positions and publishes the
// position lifecycle events driven by order fills.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// Tracker nets fills into at most one open position per symbol. Realised PnL
// follows the closed-trade formula exactly: (exit - entry) * qty for longs,
// (entry - exit) * qty for shorts, tracked in decimals end to end.
type Tracker struct {
	bus bus.Bus
	now func() time.Time

	mu            sync.Mutex
	positions     map[string]*schema.Position // keyed by symbol
	totalRealized decimal.Decimal
	subs          []trackerSub
}

type trackerSub struct {
	topic string
	id    bus.SubscriptionID
}

// NewTracker builds a tracker publishing on the bus.
func NewTracker(b bus.Bus) *Tracker {
	return &Tracker{
		bus:           b,
		now:           time.Now,
		positions:     make(map[string]*schema.Position),
		totalRealized: decimal.Zero,
	}
}

// SetClock overrides wall time for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Attach subscribes the tracker to fills and trade prices.
func (t *Tracker) Attach() error {
	for topic, handler := range map[string]bus.Handler{
		schema.TopicOrderFilled: t.onOrderFilled,
		schema.TopicPriceUpdate: t.onPriceUpdate,
	} {
		id, err := t.bus.Subscribe(topic, handler)
		if err != nil {
			t.Detach()
			return err
		}
		t.mu.Lock()
		t.subs = append(t.subs, trackerSub{topic: topic, id: id})
		t.mu.Unlock()
	}
	return nil
}

// Detach unsubscribes the tracker.
func (t *Tracker) Detach() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		t.bus.Unsubscribe(s.topic, s.id)
	}
}

func (t *Tracker) onOrderFilled(ctx context.Context, _ string, data map[string]any) error {
	order, ok := data["order"].(*schema.Order)
	if !ok {
		return nil
	}
	return t.ApplyFill(ctx, order)
}

func (t *Tracker) onPriceUpdate(ctx context.Context, _ string, data map[string]any) error {
	tick, ok := data["tick"].(*schema.Tick)
	if !ok {
		return nil
	}
	t.MarkPrice(ctx, tick.Symbol, decimal.NewFromFloat(tick.Price))
	return nil
}

// ApplyFill nets the filled order into the symbol's position. A fill larger
// than the open opposite position closes it and opens the reverse remainder.
func (t *Tracker) ApplyFill(ctx context.Context, order *schema.Order) error {
	if order == nil || !order.FilledQty.IsPositive() {
		return errs.New("position/fill", errs.CodeInvalid, errs.WithMessage("fill quantity required"))
	}
	price := order.FilledPrice
	if price.IsZero() {
		price = order.Price
	}
	if !price.IsPositive() {
		return errs.New("position/fill", errs.CodeInvalid,
			errs.WithMessage("fill price required"), errs.WithSymbol(order.Symbol))
	}

	fillSide := schema.PositionLong
	if order.Side == schema.SideSell {
		fillSide = schema.PositionShort
	}

	t.mu.Lock()
	var events []trackerEvent
	pos, ok := t.positions[order.Symbol]
	remaining := order.FilledQty

	if ok && pos.Side != fillSide {
		closeQty := decimal.Min(pos.Quantity, remaining)
		realized := closedTradePnl(pos.Side, pos.EntryPrice, price, closeQty)
		pos.RealizedPnl = pos.RealizedPnl.Add(realized)
		t.totalRealized = t.totalRealized.Add(realized)
		pos.Quantity = pos.Quantity.Sub(closeQty)
		pos.CurrentPrice = price
		pos.UpdatedAt = t.now()
		remaining = remaining.Sub(closeQty)

		if pos.Quantity.IsZero() {
			pos.Status = schema.PositionClosed
			pos.UnrealizedPnl = decimal.Zero
			delete(t.positions, order.Symbol)
			events = append(events, trackerEvent{topic: schema.TopicPositionClosed, position: pos.Clone()})
		} else {
			pos.UnrealizedPnl = closedTradePnl(pos.Side, pos.EntryPrice, price, pos.Quantity)
			events = append(events, trackerEvent{topic: schema.TopicPositionUpdated, position: pos.Clone()})
		}
		pos = nil
		ok = false
	}

	if remaining.IsPositive() {
		if !ok {
			pos = &schema.Position{
				PositionID:    "pos_" + uuid.NewString()[:8],
				StrategyID:    order.StrategyID,
				Symbol:        order.Symbol,
				Side:          fillSide,
				Quantity:      remaining,
				EntryPrice:    price,
				CurrentPrice:  price,
				UnrealizedPnl: decimal.Zero,
				RealizedPnl:   decimal.Zero,
				Status:        schema.PositionOpen,
				OpenedAt:      t.now(),
				UpdatedAt:     t.now(),
			}
			t.positions[order.Symbol] = pos
			events = append(events, trackerEvent{topic: schema.TopicPositionOpened, position: pos.Clone()})
		} else {
			// Same-side fill: average the entry price across the added size.
			newQty := pos.Quantity.Add(remaining)
			pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(remaining)).Div(newQty)
			pos.Quantity = newQty
			pos.CurrentPrice = price
			pos.UpdatedAt = t.now()
			events = append(events, trackerEvent{topic: schema.TopicPositionUpdated, position: pos.Clone()})
		}
	}
	t.mu.Unlock()

	t.publish(ctx, events)
	return nil
}

// MarkPrice refreshes unrealised PnL from the latest trade price and emits
// position_updated when a position is open for the symbol.
func (t *Tracker) MarkPrice(ctx context.Context, symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	t.mu.Lock()
	pos, ok := t.positions[symbol]
	var event *trackerEvent
	if ok {
		pos.CurrentPrice = price
		pos.UnrealizedPnl = closedTradePnl(pos.Side, pos.EntryPrice, price, pos.Quantity)
		pos.UpdatedAt = t.now()
		event = &trackerEvent{topic: schema.TopicPositionUpdated, position: pos.Clone()}
	}
	t.mu.Unlock()
	if event != nil {
		t.publish(ctx, []trackerEvent{*event})
	}
}

// Position returns a copy of the open position for the symbol.
func (t *Tracker) Position(symbol string) (*schema.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// OpenPositions returns copies of all open positions.
func (t *Tracker) OpenPositions() []*schema.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*schema.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos.Clone())
	}
	return out
}

// TotalRealized returns the sum of realised PnL across all closed trades.
func (t *Tracker) TotalRealized() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRealized
}

type trackerEvent struct {
	topic    string
	position *schema.Position
}

func (t *Tracker) publish(ctx context.Context, events []trackerEvent) {
	for _, e := range events {
		err := t.bus.Publish(ctx, e.topic, map[string]any{"position": e.position})
		if err != nil {
			observability.Log().Warn("position event publish failed",
				observability.F("topic", e.topic),
				observability.F("symbol", e.position.Symbol),
				observability.F("error", err.Error()))
		}
	}
}

func closedTradePnl(side schema.PositionSide, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if side == schema.PositionShort {
		return entry.Sub(exit).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}
