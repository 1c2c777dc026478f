package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/execution"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

const bookStreamDepth = "@depth5@100ms"

// LiveAdapter bridges a combined-stream market data websocket and the signed
// order REST endpoint into the platform's feed and order contracts.
type LiveAdapter struct {
	cfg       config.ExchangeConfig
	queueSize int
	orders    *restClient

	mu      sync.Mutex
	events  chan execution.MarketEvent
	conn    *streamConn
	symbols map[string]string // stream symbol -> platform symbol
}

// NewLiveAdapter builds the adapter from exchange configuration. Connect must
// be called before subscriptions.
func NewLiveAdapter(cfg config.ExchangeConfig, queueSize int) *LiveAdapter {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &LiveAdapter{
		cfg:       cfg,
		queueSize: queueSize,
		events:    make(chan execution.MarketEvent, queueSize),
		orders:    newRESTClient(cfg),
		symbols:   make(map[string]string),
	}
}

// Connect dials the market data stream. The reconnect loop keeps it alive
// until Disconnect.
func (a *LiveAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	if strings.TrimSpace(a.cfg.WSBaseURL) == "" {
		return errs.New("exchange/connect", errs.CodeInvalid,
			errs.WithMessage("exchange wsBaseURL not configured"))
	}
	// Disconnect closed the previous channel; each connection gets a fresh one.
	if a.events == nil {
		a.events = make(chan execution.MarketEvent, a.queueSize)
	}
	conn := newStreamConn(context.WithoutCancel(ctx), a.cfg.WSBaseURL, a.handleFrame)
	if err := conn.start(); err != nil {
		return errs.New("exchange/connect", errs.CodeExchange, errs.WithCause(err))
	}
	a.conn = conn
	return nil
}

// SubscribeToSymbol subscribes the trade and book streams for one symbol.
func (a *LiveAdapter) SubscribeToSymbol(_ context.Context, symbol string) error {
	a.mu.Lock()
	conn := a.conn
	stream := streamSymbol(symbol)
	a.symbols[stream] = symbol
	a.mu.Unlock()
	if conn == nil {
		return errs.New("exchange/subscribe", errs.CodeState,
			errs.WithSymbol(symbol), errs.WithMessage("not connected"))
	}
	if err := conn.subscribe([]string{stream + "@trade", stream + bookStreamDepth}); err != nil {
		return errs.New("exchange/subscribe", errs.CodeExchange,
			errs.WithCause(err), errs.WithSymbol(symbol))
	}
	return nil
}

// Events returns the normalised market event stream. The channel closes on
// Disconnect.
func (a *LiveAdapter) Events() <-chan execution.MarketEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// Disconnect tears the stream down and closes Events.
func (a *LiveAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	a.conn.stop()
	a.conn = nil
	close(a.events)
	a.events = nil
	return nil
}

// PlaceOrder submits the order over the signed REST endpoint and maps the
// acknowledgement back onto the order.
func (a *LiveAdapter) PlaceOrder(ctx context.Context, order *schema.Order) (*schema.Order, error) {
	return a.orders.placeOrder(ctx, order)
}

// CancelOrder cancels a resting order by exchange order id.
func (a *LiveAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.orders.cancelOrder(ctx, symbol, orderID)
}

// combinedFrame is the combined-stream envelope: market payloads arrive under
// "data" with the stream name alongside.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeFrame struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	TradeTS  int64  `json:"T"`
}

type depthFrame struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (a *LiveAdapter) handleFrame(data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Stream == "" {
		return
	}
	symbol := a.platformSymbol(frame.Stream)
	if symbol == "" {
		return
	}

	switch {
	case strings.HasSuffix(frame.Stream, "@trade"):
		if tick := parseTradeFrame(symbol, frame.Data); tick != nil {
			a.emit(execution.MarketEvent{Tick: tick})
		}
	case strings.Contains(frame.Stream, "@depth"):
		if book := parseDepthFrame(symbol, frame.Data); book != nil {
			a.emit(execution.MarketEvent{Book: book})
		}
	}
}

func (a *LiveAdapter) emit(ev execution.MarketEvent) {
	select {
	case a.events <- ev:
	default:
		// The execution layer's own queue applies drop policy; a full
		// adapter channel just means nobody is consuming yet.
		observability.Log().Warn("exchange event channel full, dropping event")
	}
}

func (a *LiveAdapter) platformSymbol(stream string) string {
	name, _, ok := strings.Cut(stream, "@")
	if !ok {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.symbols[name]
}

func parseTradeFrame(symbol string, data json.RawMessage) *schema.Tick {
	var frame tradeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	price, err := parsePrice(frame.Price)
	if err != nil || price <= 0 {
		return nil
	}
	qty, _ := parsePrice(frame.Quantity)
	return &schema.Tick{
		Symbol:      symbol,
		Timestamp:   time.UnixMilli(frame.TradeTS).UTC(),
		Price:       price,
		Volume:      qty,
		QuoteVolume: price * qty,
	}
}

func parseDepthFrame(symbol string, data json.RawMessage) *schema.OrderbookSnapshot {
	var frame depthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	book := &schema.OrderbookSnapshot{
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Bids:      parseLevels(frame.Bids),
		Asks:      parseLevels(frame.Asks),
	}
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return nil
	}
	return book
}

func parseLevels(raw [][]string) []schema.BookLevel {
	levels := make([]schema.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := parsePrice(pair[0])
		if err != nil {
			continue
		}
		qty, err := parsePrice(pair[1])
		if err != nil {
			continue
		}
		levels = append(levels, schema.BookLevel{Price: price, Quantity: qty})
	}
	return levels
}

// streamSymbol maps a platform symbol (BTC_USDT) onto its stream name
// (btcusdt).
func streamSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "_", ""))
}
