package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/execution"
	"github.com/quantfabric/tradecore/internal/schema"
)

func TestParseTradeFrame(t *testing.T) {
	raw := []byte(`{"e":"trade","s":"BTCUSDT","p":"50000.5","q":"0.25","T":1700000000123}`)
	tick := parseTradeFrame("BTC_USDT", raw)
	if tick == nil {
		t.Fatal("frame rejected")
	}
	if tick.Symbol != "BTC_USDT" || tick.Price != 50000.5 || tick.Volume != 0.25 {
		t.Fatalf("tick = %+v", tick)
	}
	if tick.Timestamp.UnixMilli() != 1700000000123 {
		t.Fatalf("timestamp = %v", tick.Timestamp)
	}
	if tick.QuoteVolume != 50000.5*0.25 {
		t.Fatalf("quote volume = %v", tick.QuoteVolume)
	}

	if parseTradeFrame("BTC_USDT", []byte(`{"p":"not-a-number"}`)) != nil {
		t.Fatal("bad price accepted")
	}
	if parseTradeFrame("BTC_USDT", []byte(`{"p":"0","q":"1"}`)) != nil {
		t.Fatal("zero price accepted")
	}
}

func TestParseDepthFrame(t *testing.T) {
	raw := []byte(`{"lastUpdateId":7,"bids":[["100","1"],["99.5","2"]],"asks":[["100.5","1.5"]]}`)
	book := parseDepthFrame("ETH_USDT", raw)
	if book == nil {
		t.Fatal("frame rejected")
	}
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("levels = %d bids %d asks", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Price != 100 || book.Asks[0].Quantity != 1.5 {
		t.Fatalf("book = %+v", book)
	}

	if parseDepthFrame("ETH_USDT", []byte(`{"bids":[],"asks":[]}`)) != nil {
		t.Fatal("empty book accepted")
	}
}

func TestSymbolMapping(t *testing.T) {
	if got := streamSymbol("BTC_USDT"); got != "btcusdt" {
		t.Fatalf("stream symbol = %q", got)
	}
	if got := restSymbol("BTC_USDT"); got != "BTCUSDT" {
		t.Fatalf("rest symbol = %q", got)
	}
}

func TestRESTPlaceOrderSignsAndMapsAck(t *testing.T) {
	var captured url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("api key header = %q", r.Header.Get("X-MBX-APIKEY"))
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orderId":42,"status":"FILLED","executedQty":"0.5","cummulativeQuoteQty":"25000"}`))
	}))
	defer server.Close()

	client := newRESTClient(config.ExchangeConfig{
		RESTURL:   server.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   time.Second,
	})
	client.clock = func() time.Time { return time.UnixMilli(1700000000000) }

	order := &schema.Order{
		OrderID:  "ord_1",
		Symbol:   "BTC_USDT",
		Side:     schema.SideBuy,
		Type:     schema.OrderMarket,
		Quantity: decimal.RequireFromString("0.5"),
		Status:   schema.OrderNew,
	}
	ack, err := client.placeOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if captured.Get("symbol") != "BTCUSDT" || captured.Get("side") != "BUY" {
		t.Fatalf("request params = %v", captured)
	}
	sig := captured.Get("signature")
	if sig == "" {
		t.Fatal("signature missing")
	}
	unsigned := url.Values{}
	for k, vs := range captured {
		if k == "signature" {
			continue
		}
		unsigned[k] = vs
	}
	if want := sign(unsigned.Encode(), "secret"); sig != want {
		t.Fatalf("signature = %s, want %s", sig, want)
	}

	if ack.Status != schema.OrderFilled {
		t.Fatalf("status = %s", ack.Status)
	}
	if !ack.FilledQty.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("filled qty = %s", ack.FilledQty)
	}
	if !ack.FilledPrice.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("filled price = %s", ack.FilledPrice)
	}
	if ack.Metadata["exchange_order_id"] != "42" {
		t.Fatalf("metadata = %v", ack.Metadata)
	}
	if order.Status != schema.OrderNew {
		t.Fatal("input order mutated")
	}
}

func TestRESTErrorMapsMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`))
	}))
	defer server.Close()

	client := newRESTClient(config.ExchangeConfig{RESTURL: server.URL, Timeout: time.Second})
	_, err := client.placeOrder(context.Background(), &schema.Order{
		OrderID:  "ord_2",
		Symbol:   "BTC_USDT",
		Side:     schema.SideSell,
		Type:     schema.OrderMarket,
		Quantity: decimal.NewFromInt(1),
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
}

func collectTicks(t *testing.T, events <-chan execution.MarketEvent, n int) []float64 {
	t.Helper()
	var prices []float64
	deadline := time.After(5 * time.Second)
	for len(prices) < n {
		select {
		case ev := <-events:
			if ev.Tick != nil {
				prices = append(prices, ev.Tick.Price)
			}
		case <-deadline:
			t.Fatalf("collected %d ticks, want %d", len(prices), n)
		}
	}
	return prices
}

func TestFakeAdapterIsDeterministic(t *testing.T) {
	run := func() []float64 {
		adapter := NewFakeAdapter(7, time.Millisecond, 100)
		adapter.SetBasePrice("BTC_USDT", 50000)
		if err := adapter.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := adapter.SubscribeToSymbol(context.Background(), "BTC_USDT"); err != nil {
			t.Fatal(err)
		}
		prices := collectTicks(t, adapter.Events(), 5)
		if err := adapter.Disconnect(context.Background()); err != nil {
			t.Fatal(err)
		}
		return prices
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("walks diverge at %d: %v vs %v", i, first, second)
		}
	}
	if first[0] == first[1] && first[1] == first[2] {
		t.Fatalf("walk is flat: %v", first)
	}
	for _, price := range first {
		if price < 49000 || price > 51000 {
			t.Fatalf("price %v strayed from base", price)
		}
	}
}

func TestFakeAdapterFillsAtSyntheticPrice(t *testing.T) {
	adapter := NewFakeAdapter(1, time.Hour, 10)
	adapter.SetBasePrice("ETH_USDT", 3000)

	order := &schema.Order{
		OrderID:  "ord_3",
		Symbol:   "ETH_USDT",
		Side:     schema.SideBuy,
		Type:     schema.OrderMarket,
		Quantity: decimal.NewFromInt(2),
		Status:   schema.OrderNew,
	}
	filled, err := adapter.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatal(err)
	}
	if filled.Status != schema.OrderFilled {
		t.Fatalf("status = %s", filled.Status)
	}
	if !filled.FilledPrice.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("fill price = %s", filled.FilledPrice)
	}
	if !filled.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("fill qty = %s", filled.FilledQty)
	}
}

func TestFakeAdapterRequiresConnect(t *testing.T) {
	adapter := NewFakeAdapter(1, time.Millisecond, 10)
	if err := adapter.SubscribeToSymbol(context.Background(), "BTC_USDT"); err == nil {
		t.Fatal("expected not-connected error")
	}
}
