package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/risk"
	"github.com/quantfabric/tradecore/internal/schema"
)

// Exchange is the slice of the exchange adapter live trading needs.
type Exchange interface {
	PlaceOrder(ctx context.Context, order *schema.Order) (*schema.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// LiveManager submits real orders. Every open passes the risk gate first;
// exchange failures become order_rejected events rather than errors so the
// bus does not redeliver a submit.
type LiveManager struct {
	bus       bus.Bus
	exchange  Exchange
	quotes    *QuoteCache
	positions Positions
	risk      *risk.Manager
	notional  decimal.Decimal
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*schema.Order // open order by symbol
}

// NewLiveManager builds a live manager. The risk manager is required.
func NewLiveManager(b bus.Bus, ex Exchange, quotes *QuoteCache, positions Positions, riskMgr *risk.Manager, ordersCfg config.OrdersConfig) (*LiveManager, error) {
	if ex == nil {
		return nil, errs.New("order/live", errs.CodeInvalid, errs.WithMessage("exchange adapter required"))
	}
	if riskMgr == nil {
		return nil, errs.New("order/live", errs.CodeInvalid, errs.WithMessage("risk manager required for live trading"))
	}
	notional, err := decimal.NewFromString(ordersCfg.Notional)
	if err != nil || !notional.IsPositive() {
		return nil, errs.New("order/live", errs.CodeInvalid,
			errs.WithMessage("order notional must be a positive decimal"),
			errs.WithField("notional", ordersCfg.Notional))
	}
	return &LiveManager{
		bus:       b,
		exchange:  ex,
		quotes:    quotes,
		positions: positions,
		risk:      riskMgr,
		notional:  notional,
		now:       time.Now,
		pending:   make(map[string]*schema.Order),
	}, nil
}

// SetClock overrides wall time for tests.
func (m *LiveManager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Mode reports LIVE.
func (m *LiveManager) Mode() schema.SessionMode { return schema.ModeLive }

// HandleSignal routes by signal action.
func (m *LiveManager) HandleSignal(ctx context.Context, sig *schema.Signal) error {
	switch sig.Action {
	case schema.ActionBuy:
		return m.open(ctx, sig, schema.SideBuy)
	case schema.ActionSell:
		return m.open(ctx, sig, schema.SideSell)
	case schema.ActionClose:
		return m.close(ctx, sig)
	case schema.ActionCancel:
		return m.cancel(ctx, sig)
	default:
		return nil
	}
}

func (m *LiveManager) open(ctx context.Context, sig *schema.Signal, side schema.OrderSide) error {
	price, ok := m.quotes.LastPrice(sig.Symbol)
	if !ok || price <= 0 {
		return errs.New("order/live", errs.CodeUnavailable,
			errs.WithMessage("no market data to size order"), errs.WithSymbol(sig.Symbol))
	}
	if dec := m.risk.CanOpenPosition(sig.Symbol, m.notional, decimal.Zero); !dec.Allowed {
		observability.Log().Warn("live order blocked by risk check",
			observability.F("symbol", sig.Symbol),
			observability.F("reason", dec.Reason))
		return nil
	}

	qty := sizeQuantity(m.notional, decimal.NewFromFloat(price))
	order := buildOrder(sig, side, qty, m.now())
	m.submit(ctx, order)
	return nil
}

func (m *LiveManager) close(ctx context.Context, sig *schema.Signal) error {
	pos, ok := m.positions.Position(sig.Symbol)
	if !ok {
		observability.Log().Warn("close signal with no open position",
			observability.F("symbol", sig.Symbol))
		return nil
	}
	order := buildOrder(sig, closeSide(pos), pos.Quantity, m.now())
	m.submit(ctx, order)
	m.risk.ReleaseBudget(pos.EntryPrice.Mul(pos.Quantity))
	return nil
}

func (m *LiveManager) cancel(ctx context.Context, sig *schema.Signal) error {
	m.mu.Lock()
	order, ok := m.pending[sig.Symbol]
	delete(m.pending, sig.Symbol)
	m.mu.Unlock()
	if !ok {
		observability.Log().Debug("cancel with nothing pending",
			observability.F("symbol", sig.Symbol))
		return nil
	}
	if err := m.exchange.CancelOrder(ctx, sig.Symbol, order.OrderID); err != nil {
		observability.Log().Error("exchange cancel failed",
			observability.F("symbol", sig.Symbol),
			observability.F("order_id", order.OrderID),
			observability.F("error", err.Error()))
		return nil
	}
	order.Status = schema.OrderCancelled
	order.Timestamp = m.now()
	publishOrder(ctx, m.bus, schema.TopicOrderCancelled, order, nil)
	return nil
}

func (m *LiveManager) submit(ctx context.Context, order *schema.Order) {
	publishOrder(ctx, m.bus, schema.TopicOrderCreated, order, nil)

	result, err := m.exchange.PlaceOrder(ctx, order.Clone())
	if err != nil {
		order.Status = schema.OrderRejected
		order.Timestamp = m.now()
		observability.Log().Error("exchange rejected order",
			observability.F("symbol", order.Symbol),
			observability.F("order_id", order.OrderID),
			observability.F("error", err.Error()))
		publishOrder(ctx, m.bus, schema.TopicOrderRejected, order, map[string]any{"reason": err.Error()})
		return
	}

	switch result.Status {
	case schema.OrderFilled, schema.OrderPartiallyFilled:
		publishOrder(ctx, m.bus, schema.TopicOrderFilled, result, nil)
		m.risk.UseBudget(result.FilledQty.Mul(result.FilledPrice))
		if result.Status == schema.OrderPartiallyFilled {
			m.track(result)
		}
	case schema.OrderRejected:
		publishOrder(ctx, m.bus, schema.TopicOrderRejected, result, map[string]any{"reason": "exchange rejection"})
	default:
		m.track(result)
	}
}

func (m *LiveManager) track(order *schema.Order) {
	m.mu.Lock()
	m.pending[order.Symbol] = order.Clone()
	m.mu.Unlock()
}
