package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// BacktestManager fills instantly at the last replayed tick price with no
// slippage or commission, so repeated runs over the same data are
// bit-identical.
type BacktestManager struct {
	bus       bus.Bus
	quotes    *QuoteCache
	positions Positions
	notional  decimal.Decimal
	now       func() time.Time
}

// NewBacktestManager builds a backtest manager.
func NewBacktestManager(b bus.Bus, quotes *QuoteCache, positions Positions, ordersCfg config.OrdersConfig) (*BacktestManager, error) {
	notional, err := decimal.NewFromString(ordersCfg.Notional)
	if err != nil || !notional.IsPositive() {
		return nil, errs.New("order/backtest", errs.CodeInvalid,
			errs.WithMessage("order notional must be a positive decimal"),
			errs.WithField("notional", ordersCfg.Notional))
	}
	return &BacktestManager{
		bus:       b,
		quotes:    quotes,
		positions: positions,
		notional:  notional,
		now:       time.Now,
	}, nil
}

// SetClock overrides wall time for tests. The execution controller binds the
// replay clock here so fills carry replayed timestamps.
func (m *BacktestManager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Mode reports BACKTEST.
func (m *BacktestManager) Mode() schema.SessionMode { return schema.ModeBacktest }

// HandleSignal fills opens and closes at the driving tick price.
func (m *BacktestManager) HandleSignal(ctx context.Context, sig *schema.Signal) error {
	switch sig.Action {
	case schema.ActionBuy:
		return m.open(ctx, sig, schema.SideBuy)
	case schema.ActionSell:
		return m.open(ctx, sig, schema.SideSell)
	case schema.ActionClose:
		return m.close(ctx, sig)
	case schema.ActionCancel:
		return nil
	default:
		return nil
	}
}

func (m *BacktestManager) open(ctx context.Context, sig *schema.Signal, side schema.OrderSide) error {
	price, ok := m.quotes.LastPrice(sig.Symbol)
	if !ok || price <= 0 {
		return errs.New("order/backtest", errs.CodeUnavailable,
			errs.WithMessage("no replayed tick to price fill"), errs.WithSymbol(sig.Symbol))
	}
	fillPrice := decimal.NewFromFloat(price)
	order := buildOrder(sig, side, sizeQuantity(m.notional, fillPrice), m.now())
	m.fill(ctx, order, fillPrice)
	return nil
}

func (m *BacktestManager) close(ctx context.Context, sig *schema.Signal) error {
	pos, ok := m.positions.Position(sig.Symbol)
	if !ok {
		observability.Log().Warn("close signal with no open position",
			observability.F("symbol", sig.Symbol))
		return nil
	}
	fillPrice := pos.CurrentPrice
	if price, ok := m.quotes.LastPrice(sig.Symbol); ok && price > 0 {
		fillPrice = decimal.NewFromFloat(price)
	}
	order := buildOrder(sig, closeSide(pos), pos.Quantity, m.now())
	m.fill(ctx, order, fillPrice)
	return nil
}

func (m *BacktestManager) fill(ctx context.Context, order *schema.Order, price decimal.Decimal) {
	publishOrder(ctx, m.bus, schema.TopicOrderCreated, order, nil)
	order.FilledQty = order.Quantity
	order.FilledPrice = price
	order.Status = schema.OrderFilled
	order.Timestamp = m.now()
	publishOrder(ctx, m.bus, schema.TopicOrderFilled, order, nil)
}
