package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/risk"
	"github.com/quantfabric/tradecore/internal/schema"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// PaperManager simulates fills against the live book: opens cross the spread
// with configured slippage and pay commission, so paper PnL tracks what live
// trading would have produced.
type PaperManager struct {
	bus       bus.Bus
	quotes    *QuoteCache
	positions Positions
	risk      *risk.Manager
	notional  decimal.Decimal
	slippage  decimal.Decimal // fraction, e.g. 0.0005 for 5 bps
	fee       decimal.Decimal
	now       func() time.Time
}

// NewPaperManager builds a paper manager. risk may be nil.
func NewPaperManager(b bus.Bus, quotes *QuoteCache, positions Positions, riskMgr *risk.Manager, ordersCfg config.OrdersConfig, paperCfg config.PaperConfig) (*PaperManager, error) {
	notional, err := decimal.NewFromString(ordersCfg.Notional)
	if err != nil || !notional.IsPositive() {
		return nil, errs.New("order/paper", errs.CodeInvalid,
			errs.WithMessage("order notional must be a positive decimal"),
			errs.WithField("notional", ordersCfg.Notional))
	}
	return &PaperManager{
		bus:       b,
		quotes:    quotes,
		positions: positions,
		risk:      riskMgr,
		notional:  notional,
		slippage:  decimal.NewFromFloat(paperCfg.SlippageBps).Div(bpsDenominator),
		fee:       decimal.NewFromFloat(paperCfg.CommissionBps).Div(bpsDenominator),
		now:       time.Now,
	}, nil
}

// SetClock overrides wall time for tests.
func (m *PaperManager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Mode reports PAPER.
func (m *PaperManager) Mode() schema.SessionMode { return schema.ModePaper }

// HandleSignal opens, closes or cancels per the signal action. Paper orders
// fill synchronously, so CANCEL never finds anything pending.
func (m *PaperManager) HandleSignal(ctx context.Context, sig *schema.Signal) error {
	switch sig.Action {
	case schema.ActionBuy:
		return m.open(ctx, sig, schema.SideBuy)
	case schema.ActionSell:
		return m.open(ctx, sig, schema.SideSell)
	case schema.ActionClose:
		return m.close(ctx, sig)
	case schema.ActionCancel:
		observability.Log().Debug("paper cancel is a no-op, fills are synchronous",
			observability.F("symbol", sig.Symbol))
		return nil
	default:
		return nil
	}
}

func (m *PaperManager) open(ctx context.Context, sig *schema.Signal, side schema.OrderSide) error {
	ref, ok := m.referencePrice(sig.Symbol, side)
	if !ok {
		return errs.New("order/paper", errs.CodeUnavailable,
			errs.WithMessage("no market data to price fill"), errs.WithSymbol(sig.Symbol))
	}
	if m.risk != nil {
		if dec := m.risk.CanOpenPosition(sig.Symbol, m.notional, decimal.Zero); !dec.Allowed {
			observability.Log().Warn("paper order blocked by risk check",
				observability.F("symbol", sig.Symbol),
				observability.F("reason", dec.Reason))
			return nil
		}
	}

	fillPrice := m.applySlippage(ref, side)
	qty := sizeQuantity(m.notional, fillPrice)
	order := buildOrder(sig, side, qty, m.now())
	publishOrder(ctx, m.bus, schema.TopicOrderCreated, order, nil)

	m.fill(ctx, order, fillPrice)
	if m.risk != nil {
		m.risk.UseBudget(order.FilledQty.Mul(order.FilledPrice))
	}
	return nil
}

func (m *PaperManager) close(ctx context.Context, sig *schema.Signal) error {
	pos, ok := m.positions.Position(sig.Symbol)
	if !ok {
		observability.Log().Warn("close signal with no open position",
			observability.F("symbol", sig.Symbol))
		return nil
	}
	side := closeSide(pos)
	ref, ok := m.referencePrice(sig.Symbol, side)
	if !ok {
		ref = pos.CurrentPrice
	}
	fillPrice := m.applySlippage(ref, side)
	order := buildOrder(sig, side, pos.Quantity, m.now())
	publishOrder(ctx, m.bus, schema.TopicOrderCreated, order, nil)

	m.fill(ctx, order, fillPrice)
	if m.risk != nil {
		m.risk.ReleaseBudget(pos.EntryPrice.Mul(pos.Quantity))
	}
	return nil
}

// referencePrice picks the touch the order would cross: asks for buys, bids
// for sells, last trade when no book is cached.
func (m *PaperManager) referencePrice(symbol string, side schema.OrderSide) (decimal.Decimal, bool) {
	var price float64
	var ok bool
	if side == schema.SideBuy {
		price, ok = m.quotes.BestAsk(symbol)
	} else {
		price, ok = m.quotes.BestBid(symbol)
	}
	if !ok {
		price, ok = m.quotes.LastPrice(symbol)
	}
	if !ok || price <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(price), true
}

func (m *PaperManager) applySlippage(price decimal.Decimal, side schema.OrderSide) decimal.Decimal {
	adj := price.Mul(m.slippage)
	if side == schema.SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func (m *PaperManager) fill(ctx context.Context, order *schema.Order, price decimal.Decimal) {
	order.FilledQty = order.Quantity
	order.FilledPrice = price
	order.Commission = order.Quantity.Mul(price).Mul(m.fee)
	order.Status = schema.OrderFilled
	order.Timestamp = m.now()
	publishOrder(ctx, m.bus, schema.TopicOrderFilled, order, nil)
}
