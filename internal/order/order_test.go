package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

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

func (b *inlineBus) ordersOn(topic string) []*schema.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*schema.Order
	for _, e := range b.events {
		if e.topic == topic {
			if o, ok := e.data["order"].(*schema.Order); ok {
				out = append(out, o)
			}
		}
	}
	return out
}

type fixedPositions struct {
	pos *schema.Position
}

func (p *fixedPositions) Position(symbol string) (*schema.Position, bool) {
	if p.pos != nil && p.pos.Symbol == symbol {
		return p.pos.Clone(), true
	}
	return nil, false
}

func seedQuotes(t *testing.T, b *inlineBus, q *QuoteCache, symbol string, last, bid, ask float64) {
	t.Helper()
	ts := time.Unix(300_000, 0)
	err := b.Publish(context.Background(), schema.TopicPriceUpdate, map[string]any{
		"symbol": symbol,
		"tick":   &schema.Tick{Symbol: symbol, Timestamp: ts, Price: last, Volume: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = b.Publish(context.Background(), schema.TopicOrderbookUpdate, map[string]any{
		"symbol": symbol,
		"orderbook": &schema.OrderbookSnapshot{
			Symbol:    symbol,
			Timestamp: ts,
			Bids:      []schema.BookLevel{{Price: bid, Quantity: 5}},
			Asks:      []schema.BookLevel{{Price: ask, Quantity: 5}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.LastPrice(symbol); !ok {
		t.Fatalf("quote cache missing %s after seed", symbol)
	}
}

func buySignal(symbol string) *schema.Signal {
	return &schema.Signal{
		StrategyID: "strat-1",
		Symbol:     symbol,
		SignalType: schema.SectionZ1,
		Triggered:  true,
		Action:     schema.ActionBuy,
		Timestamp:  time.Unix(300_001, 0),
	}
}

func ordersCfg() config.OrdersConfig { return config.OrdersConfig{Notional: "1000"} }

func TestQuoteCacheTracksBatchUpdates(t *testing.T) {
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	defer q.Detach()

	err := b.Publish(context.Background(), schema.TopicPriceBatch, map[string]any{
		"ticks": []*schema.Tick{
			{Symbol: "BTC_USDT", Price: 100},
			{Symbol: "ETH_USDT", Price: 200},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := q.LastPrice("ETH_USDT"); !ok || p != 200 {
		t.Fatalf("ETH_USDT last = %v %v", p, ok)
	}
}

func TestPaperFillCrossesSpreadWithSlippageAndCommission(t *testing.T) {
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	m, err := NewPaperManager(b, q, &fixedPositions{}, nil, ordersCfg(),
		config.PaperConfig{SlippageBps: 10, CommissionBps: 20})
	if err != nil {
		t.Fatal(err)
	}
	m.SetClock(func() time.Time { return time.Unix(300_002, 0) })
	seedQuotes(t, b, q, "BTC_USDT", 100, 99, 101)

	if err := m.HandleSignal(context.Background(), buySignal("BTC_USDT")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	fills := b.ordersOn(schema.TopicOrderFilled)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	// Buy crosses the ask 101 plus 10 bps slippage: 101.101.
	want := decimal.RequireFromString("101.101")
	if !fills[0].FilledPrice.Equal(want) {
		t.Fatalf("fill price = %s, want %s", fills[0].FilledPrice, want)
	}
	// Commission is 20 bps of filled notional (qty * price = 1000).
	wantFee := decimal.RequireFromString("2")
	if !fills[0].Commission.Round(10).Equal(wantFee) {
		t.Fatalf("commission = %s, want %s", fills[0].Commission, wantFee)
	}
	if created := b.ordersOn(schema.TopicOrderCreated); len(created) != 1 {
		t.Fatalf("created = %d, want 1", len(created))
	}
}

func TestPaperCloseUsesPositionQuantity(t *testing.T) {
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	pos := &schema.Position{
		PositionID:   "p1",
		Symbol:       "BTC_USDT",
		Side:         schema.PositionLong,
		Quantity:     decimal.RequireFromString("0.25"),
		EntryPrice:   decimal.RequireFromString("100"),
		CurrentPrice: decimal.RequireFromString("100"),
		Status:       schema.PositionOpen,
	}
	m, err := NewPaperManager(b, q, &fixedPositions{pos: pos}, nil, ordersCfg(), config.PaperConfig{})
	if err != nil {
		t.Fatal(err)
	}
	seedQuotes(t, b, q, "BTC_USDT", 100, 99, 101)

	sig := buySignal("BTC_USDT")
	sig.Action = schema.ActionClose
	sig.SignalType = schema.SectionZE1
	if err := m.HandleSignal(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	fills := b.ordersOn(schema.TopicOrderFilled)
	if len(fills) != 1 || fills[0].Side != schema.SideSell || !fills[0].Quantity.Equal(pos.Quantity) {
		t.Fatalf("close fill = %+v", fills)
	}
}

func TestBacktestFillIsDeterministic(t *testing.T) {
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	m, err := NewBacktestManager(b, q, &fixedPositions{}, ordersCfg())
	if err != nil {
		t.Fatal(err)
	}
	seedQuotes(t, b, q, "BTC_USDT", 50000, 49999, 50001)

	if err := m.HandleSignal(context.Background(), buySignal("BTC_USDT")); err != nil {
		t.Fatal(err)
	}
	fills := b.ordersOn(schema.TopicOrderFilled)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	// Exactly the driving tick price, no slippage, no commission.
	if !fills[0].FilledPrice.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("fill price = %s, want 50000", fills[0].FilledPrice)
	}
	if !fills[0].Commission.Equal(decimal.Zero) {
		t.Fatalf("commission = %s, want 0", fills[0].Commission)
	}
}

type fakeExchange struct {
	placeErr  error
	placed    []*schema.Order
	cancelled []string
}

func (e *fakeExchange) PlaceOrder(_ context.Context, order *schema.Order) (*schema.Order, error) {
	if e.placeErr != nil {
		return nil, e.placeErr
	}
	e.placed = append(e.placed, order)
	filled := order.Clone()
	filled.FilledQty = order.Quantity
	filled.FilledPrice = order.Price
	if filled.FilledPrice.IsZero() {
		filled.FilledPrice = decimal.RequireFromString("100")
	}
	filled.Status = schema.OrderFilled
	return filled, nil
}

func (e *fakeExchange) CancelOrder(_ context.Context, _, orderID string) error {
	e.cancelled = append(e.cancelled, orderID)
	return nil
}

func newLiveFixture(t *testing.T, ex Exchange) (*LiveManager, *inlineBus, *QuoteCache) {
	t.Helper()
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	riskMgr := newRiskManager(t)
	m, err := NewLiveManager(b, ex, q, &fixedPositions{}, riskMgr, ordersCfg())
	if err != nil {
		t.Fatal(err)
	}
	return m, b, q
}

func TestLiveSubmitPublishesCreatedThenFilled(t *testing.T) {
	ex := &fakeExchange{}
	m, b, q := newLiveFixture(t, ex)
	seedQuotes(t, b, q, "BTC_USDT", 100, 99, 101)

	if err := m.HandleSignal(context.Background(), buySignal("BTC_USDT")); err != nil {
		t.Fatal(err)
	}
	if len(ex.placed) != 1 {
		t.Fatalf("exchange received %d orders, want 1", len(ex.placed))
	}
	if got := len(b.ordersOn(schema.TopicOrderCreated)); got != 1 {
		t.Fatalf("created events = %d", got)
	}
	if got := len(b.ordersOn(schema.TopicOrderFilled)); got != 1 {
		t.Fatalf("filled events = %d", got)
	}
}

func TestLiveExchangeFailureBecomesRejection(t *testing.T) {
	ex := &fakeExchange{placeErr: errors.New("insufficient balance")}
	m, b, q := newLiveFixture(t, ex)
	seedQuotes(t, b, q, "BTC_USDT", 100, 99, 101)

	if err := m.HandleSignal(context.Background(), buySignal("BTC_USDT")); err != nil {
		t.Fatalf("exchange failure must not propagate: %v", err)
	}
	rejected := b.ordersOn(schema.TopicOrderRejected)
	if len(rejected) != 1 || rejected[0].Status != schema.OrderRejected {
		t.Fatalf("rejected events = %+v", rejected)
	}
	if got := len(b.ordersOn(schema.TopicOrderFilled)); got != 0 {
		t.Fatalf("filled events = %d, want 0", got)
	}
}

func TestBindingRebindSwitchesManager(t *testing.T) {
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	paper, err := NewPaperManager(b, q, &fixedPositions{}, nil, ordersCfg(), config.PaperConfig{})
	if err != nil {
		t.Fatal(err)
	}
	backtest, err := NewBacktestManager(b, q, &fixedPositions{}, ordersCfg())
	if err != nil {
		t.Fatal(err)
	}

	binding := NewBinding(b, paper)
	if err := binding.Attach(); err != nil {
		t.Fatal(err)
	}
	defer binding.Detach()
	seedQuotes(t, b, q, "BTC_USDT", 100, 99, 101)

	if err := b.Publish(context.Background(), schema.TopicSignalGenerated, map[string]any{"signal": buySignal("BTC_USDT")}); err != nil {
		t.Fatal(err)
	}
	if binding.Current().Mode() != schema.ModePaper {
		t.Fatal("expected paper manager bound")
	}

	binding.Rebind(backtest)
	if err := b.Publish(context.Background(), schema.TopicSignalGenerated, map[string]any{"signal": buySignal("BTC_USDT")}); err != nil {
		t.Fatal(err)
	}
	if binding.Current().Mode() != schema.ModeBacktest {
		t.Fatal("expected backtest manager bound")
	}
	if got := len(b.ordersOn(schema.TopicOrderFilled)); got != 2 {
		t.Fatalf("fills across both managers = %d, want 2", got)
	}
}

func TestBindingIgnoresLockSymbol(t *testing.T) {
	b := newInlineBus()
	q := NewQuoteCache(b)
	if err := q.Attach(); err != nil {
		t.Fatal(err)
	}
	paper, err := NewPaperManager(b, q, &fixedPositions{}, nil, ordersCfg(), config.PaperConfig{})
	if err != nil {
		t.Fatal(err)
	}
	binding := NewBinding(b, paper)
	if err := binding.Attach(); err != nil {
		t.Fatal(err)
	}
	defer binding.Detach()

	sig := buySignal("BTC_USDT")
	sig.Action = schema.ActionLockSymbol
	sig.SignalType = schema.SectionS1
	if err := b.Publish(context.Background(), schema.TopicSignalGenerated, map[string]any{"signal": sig}); err != nil {
		t.Fatal(err)
	}
	if got := len(b.ordersOn(schema.TopicOrderCreated)); got != 0 {
		t.Fatalf("lock signal produced %d orders", got)
	}
}
