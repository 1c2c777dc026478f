package collector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

func sampleTicks() []*schema.Tick {
	base := time.UnixMicro(1_700_000_000_000_000)
	return []*schema.Tick{
		{Symbol: "BTC_USDT", Timestamp: base, Price: 50000.5, Volume: 0.25, QuoteVolume: 12500.125},
		{Symbol: "BTC_USDT", Timestamp: base.Add(time.Second), Price: 50001, Volume: 0.5},
		{Symbol: "ETH_USDT", Timestamp: base, Price: 3000, Volume: 1},
	}
}

func sampleBook() *schema.OrderbookSnapshot {
	return &schema.OrderbookSnapshot{
		Symbol:    "BTC_USDT",
		Timestamp: time.UnixMicro(1_700_000_000_500_000),
		Bids: []schema.BookLevel{
			{Price: 49999, Quantity: 1},
			{Price: 49998, Quantity: 2},
		},
		Asks: []schema.BookLevel{
			{Price: 50001, Quantity: 1.5},
		},
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "exec_20260101_000000_cafebabe")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.WriteTicks(sampleTicks()); err != nil {
		t.Fatalf("write ticks: %v", err)
	}
	if err := c.WriteOrderbooks([]*schema.OrderbookSnapshot{sampleBook()}); err != nil {
		t.Fatalf("write books: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	symbols, err := ListSymbols(c.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 2 || symbols[0] != "BTC_USDT" || symbols[1] != "ETH_USDT" {
		t.Fatalf("symbols = %v", symbols)
	}

	ticks, err := ReadTicks(c.Dir(), "BTC_USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(ticks) != 2 {
		t.Fatalf("ticks = %d, want 2", len(ticks))
	}
	if ticks[0].Price != 50000.5 || ticks[0].QuoteVolume != 12500.125 {
		t.Fatalf("first tick = %+v", ticks[0])
	}
	if !ticks[1].Timestamp.Equal(time.UnixMicro(1_700_000_001_000_000)) {
		t.Fatalf("tick timestamp = %v", ticks[1].Timestamp)
	}

	books, err := ReadOrderbooks(c.Dir(), "BTC_USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 || len(books[0].Bids) != 2 || len(books[0].Asks) != 1 {
		t.Fatalf("books = %+v", books)
	}
	if spread, ok := books[0].Spread(); !ok || spread != 2 {
		t.Fatalf("spread = %v %v", spread, ok)
	}
}

func TestLayoutMatchesContract(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteTicks(sampleTicks()[:1]); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteOrderbooks([]*schema.OrderbookSnapshot{sampleBook()}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	pricesPath := filepath.Join(dir, "session_s1", "BTC_USDT", "prices.csv")
	raw, err := os.ReadFile(pricesPath)
	if err != nil {
		t.Fatalf("expected layout data/session_<id>/<SYMBOL>/prices.csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if lines[0] != "timestamp,price,volume,quote_volume" {
		t.Fatalf("prices header = %q", lines[0])
	}

	bookPath := filepath.Join(dir, "session_s1", "BTC_USDT", "orderbook.csv")
	raw, err = os.ReadFile(bookPath)
	if err != nil {
		t.Fatal(err)
	}
	header := strings.Split(strings.TrimSpace(string(raw)), "\n")[0]
	for _, col := range []string{"best_bid", "best_ask", "spread", "bid_price_3", "ask_qty_3"} {
		if !strings.Contains(header, col) {
			t.Fatalf("orderbook header missing %s: %q", col, header)
		}
	}
}

func TestReadMissingOrderbookIsEmpty(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteTicks(sampleTicks()[:1]); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	books, err := ReadOrderbooks(c.Dir(), "BTC_USDT")
	if err != nil {
		t.Fatalf("header-only orderbook.csv must read empty: %v", err)
	}
	if len(books) != 0 {
		t.Fatalf("books = %d, want 0", len(books))
	}

	books, err = ReadOrderbooks(c.Dir(), "XRP_USDT")
	if err != nil || len(books) != 0 {
		t.Fatalf("absent symbol must read empty: %v %d", err, len(books))
	}
}
