package exchange

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/execution"
	"github.com/quantfabric/tradecore/internal/schema"
)

const (
	fakeDefaultBasePrice = 100.0
	fakeVolatility       = 0.001 // max relative move per tick
	fakeSpreadFraction   = 0.0002
	fakeBookDepth        = 3
)

// FakeAdapter generates a synthetic market without credentials or network.
// Each symbol walks deterministically from its base price given the adapter
// seed, so two adapters with the same seed produce identical streams. Orders
// fill instantly at the current synthetic price.
type FakeAdapter struct {
	seed      int64
	interval  time.Duration
	queueSize int

	mu      sync.Mutex
	events  chan execution.MarketEvent
	base    map[string]float64
	last    map[string]float64
	walks   map[string]*rand.Rand
	genCtx  context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewFakeAdapter builds the synthetic adapter. interval is the tick cadence
// per symbol.
func NewFakeAdapter(seed int64, interval time.Duration, queueSize int) *FakeAdapter {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &FakeAdapter{
		seed:      seed,
		interval:  interval,
		queueSize: queueSize,
		events:    make(chan execution.MarketEvent, queueSize),
		base:      make(map[string]float64),
		last:      make(map[string]float64),
		walks:     make(map[string]*rand.Rand),
	}
}

// SetBasePrice overrides the starting price for a symbol. Must be called
// before the symbol is subscribed.
func (a *FakeAdapter) SetBasePrice(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.base[symbol] = price
}

// Connect arms the generator context.
func (a *FakeAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.events == nil {
		a.events = make(chan execution.MarketEvent, a.queueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true
	a.genCtx = ctx
	return nil
}

// SubscribeToSymbol starts the symbol's generator goroutine.
func (a *FakeAdapter) SubscribeToSymbol(_ context.Context, symbol string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return errs.New("exchange/fake", errs.CodeState,
			errs.WithSymbol(symbol), errs.WithMessage("not connected"))
	}
	if _, ok := a.walks[symbol]; ok {
		return nil
	}
	price, ok := a.base[symbol]
	if !ok {
		price = fakeDefaultBasePrice
	}
	a.last[symbol] = price
	walk := rand.New(rand.NewSource(a.seed ^ symbolSeed(symbol))) // #nosec G404 -- synthetic data only.
	a.walks[symbol] = walk

	a.wg.Add(1)
	go a.generate(a.genCtx, symbol, price, walk)
	return nil
}

// Events returns the synthetic event stream. Closed by Disconnect.
func (a *FakeAdapter) Events() <-chan execution.MarketEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// Disconnect stops every generator and closes Events.
func (a *FakeAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()

	a.mu.Lock()
	close(a.events)
	a.events = nil
	a.walks = make(map[string]*rand.Rand)
	a.mu.Unlock()
	return nil
}

func (a *FakeAdapter) generate(ctx context.Context, symbol string, price float64, walk *rand.Rand) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		price = nextPrice(price, walk)
		volume := 0.1 + walk.Float64()
		now := time.Now().UTC()

		a.mu.Lock()
		a.last[symbol] = price
		a.mu.Unlock()

		tick := &schema.Tick{
			Symbol:      symbol,
			Timestamp:   now,
			Price:       price,
			Volume:      volume,
			QuoteVolume: price * volume,
		}
		book := syntheticBook(symbol, now, price)

		select {
		case a.events <- execution.MarketEvent{Tick: tick}:
		case <-ctx.Done():
			return
		}
		select {
		case a.events <- execution.MarketEvent{Book: book}:
		case <-ctx.Done():
			return
		}
	}
}

// PlaceOrder fills instantly at the current synthetic price.
func (a *FakeAdapter) PlaceOrder(_ context.Context, order *schema.Order) (*schema.Order, error) {
	a.mu.Lock()
	price, ok := a.last[order.Symbol]
	if !ok {
		if price, ok = a.base[order.Symbol]; !ok {
			price = fakeDefaultBasePrice
		}
	}
	a.mu.Unlock()

	out := order.Clone()
	out.Status = schema.OrderFilled
	out.FilledQty = order.Quantity
	out.FilledPrice = decimal.NewFromFloat(price)
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata["exchange_order_id"] = "fake-" + order.OrderID
	return out, nil
}

// CancelOrder always succeeds; synthetic orders never rest.
func (a *FakeAdapter) CancelOrder(context.Context, string, string) error { return nil }

func nextPrice(price float64, walk *rand.Rand) float64 {
	move := (walk.Float64()*2 - 1) * fakeVolatility
	next := price * (1 + move)
	if next <= 0 {
		return price
	}
	return next
}

func syntheticBook(symbol string, ts time.Time, price float64) *schema.OrderbookSnapshot {
	half := price * fakeSpreadFraction / 2
	book := &schema.OrderbookSnapshot{Symbol: symbol, Timestamp: ts}
	for i := 1; i <= fakeBookDepth; i++ {
		step := half * float64(i)
		book.Bids = append(book.Bids, schema.BookLevel{Price: price - step, Quantity: float64(i)})
		book.Asks = append(book.Asks, schema.BookLevel{Price: price + step, Quantity: float64(i)})
	}
	return book
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64())
}
