package position

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/schema"
)

type recordBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	topic    string
	position *schema.Position
}

func (b *recordBus) Subscribe(string, bus.Handler) (bus.SubscriptionID, error) { return "", nil }
func (b *recordBus) Unsubscribe(string, bus.SubscriptionID)                    {}
func (b *recordBus) Shutdown(context.Context) error                            { return nil }
func (b *recordBus) HealthCheck() bus.Health                                   { return bus.Health{Healthy: true} }
func (b *recordBus) Topics() []string                                          { return nil }

func (b *recordBus) Publish(_ context.Context, topic string, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, _ := data["position"].(*schema.Position)
	b.events = append(b.events, recordedEvent{topic: topic, position: pos})
	return nil
}

func (b *recordBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.topic)
	}
	return out
}

func newTestTracker() (*Tracker, *recordBus) {
	b := &recordBus{}
	tr := NewTracker(b)
	base := time.Unix(200_000, 0)
	tr.SetClock(func() time.Time { return base })
	return tr, b
}

func fill(symbol string, side schema.OrderSide, qty, price string) *schema.Order {
	return &schema.Order{
		OrderID:     "ord-" + symbol,
		StrategyID:  "strat-1",
		Symbol:      symbol,
		Side:        side,
		Type:        schema.OrderMarket,
		Quantity:    dec(qty),
		FilledQty:   dec(qty),
		FilledPrice: dec(price),
		Status:      schema.OrderFilled,
	}
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("bad decimal %q: %v", s, err))
	}
	return v
}

func TestLongRoundTripRealizesExactPnl(t *testing.T) {
	tr, b := newTestTracker()
	ctx := context.Background()

	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideBuy, "0.5", "40000")); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, ok := tr.Position("BTC_USDT")
	if !ok || pos.Side != schema.PositionLong || !pos.Quantity.Equal(dec("0.5")) {
		t.Fatalf("position after open = %+v", pos)
	}

	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideSell, "0.5", "41000")); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := tr.Position("BTC_USDT"); ok {
		t.Fatal("position still open after full close")
	}
	// (41000 - 40000) * 0.5 = 500 exactly.
	if got := tr.TotalRealized(); !got.Equal(dec("500")) {
		t.Fatalf("realized = %s, want 500", got)
	}
	topics := b.topics()
	if len(topics) != 2 || topics[0] != schema.TopicPositionOpened || topics[1] != schema.TopicPositionClosed {
		t.Fatalf("event topics = %v", topics)
	}
}

func TestShortPnlInvertsSign(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	if err := tr.ApplyFill(ctx, fill("ETH_USDT", schema.SideSell, "2", "3000")); err != nil {
		t.Fatal(err)
	}
	if err := tr.ApplyFill(ctx, fill("ETH_USDT", schema.SideBuy, "2", "2900")); err != nil {
		t.Fatal(err)
	}
	// (3000 - 2900) * 2 = 200 for a short.
	if got := tr.TotalRealized(); !got.Equal(dec("200")) {
		t.Fatalf("realized = %s, want 200", got)
	}
}

func TestSameSideFillAveragesEntry(t *testing.T) {
	tr, b := newTestTracker()
	ctx := context.Background()

	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideBuy, "1", "100")); err != nil {
		t.Fatal(err)
	}
	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideBuy, "1", "200")); err != nil {
		t.Fatal(err)
	}
	pos, _ := tr.Position("BTC_USDT")
	if !pos.EntryPrice.Equal(dec("150")) || !pos.Quantity.Equal(dec("2")) {
		t.Fatalf("position = entry %s qty %s, want 150/2", pos.EntryPrice, pos.Quantity)
	}
	topics := b.topics()
	if topics[len(topics)-1] != schema.TopicPositionUpdated {
		t.Fatalf("topics = %v, want updated last", topics)
	}
}

func TestOversizedOppositeFillReverses(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideBuy, "1", "100")); err != nil {
		t.Fatal(err)
	}
	// Sell 3 against a long 1: closes the long, opens a short 2.
	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideSell, "3", "110")); err != nil {
		t.Fatal(err)
	}
	pos, ok := tr.Position("BTC_USDT")
	if !ok || pos.Side != schema.PositionShort || !pos.Quantity.Equal(dec("2")) {
		t.Fatalf("position after reverse = %+v", pos)
	}
	if got := tr.TotalRealized(); !got.Equal(dec("10")) {
		t.Fatalf("realized = %s, want 10", got)
	}
}

func TestMarkPriceUpdatesUnrealized(t *testing.T) {
	tr, b := newTestTracker()
	ctx := context.Background()

	if err := tr.ApplyFill(ctx, fill("BTC_USDT", schema.SideBuy, "0.1", "50000")); err != nil {
		t.Fatal(err)
	}
	tr.MarkPrice(ctx, "BTC_USDT", dec("51000"))
	pos, _ := tr.Position("BTC_USDT")
	if !pos.UnrealizedPnl.Equal(dec("100")) {
		t.Fatalf("unrealized = %s, want 100", pos.UnrealizedPnl)
	}

	// No open position: silence.
	before := len(b.topics())
	tr.MarkPrice(ctx, "XRP_USDT", dec("1"))
	if len(b.topics()) != before {
		t.Fatal("mark on unknown symbol published an event")
	}
}

func TestRejectsEmptyFill(t *testing.T) {
	tr, _ := newTestTracker()
	order := fill("BTC_USDT", schema.SideBuy, "1", "100")
	order.FilledQty = decimal.Zero
	if err := tr.ApplyFill(context.Background(), order); err == nil {
		t.Fatal("zero fill accepted")
	}
}
