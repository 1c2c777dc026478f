package execution

import (
	"context"
	"testing"
	"time"

	"github.com/quantfabric/tradecore/internal/collector"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
)

func TestHistoricalSourceReplaysInTimestampOrder(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(600_000, 0)

	// Interleaved across symbols; replay must come back globally ordered.
	err := mem.WritePrices(ctx, "rec-1", []*schema.Tick{
		{Symbol: "BTC_USDT", Timestamp: base.Add(2 * time.Second), Price: 102},
		{Symbol: "BTC_USDT", Timestamp: base, Price: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = mem.WritePrices(ctx, "rec-1", []*schema.Tick{
		{Symbol: "ETH_USDT", Timestamp: base.Add(time.Second), Price: 3000},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = mem.WriteOrderbooks(ctx, "rec-1", []*schema.OrderbookSnapshot{
		{Symbol: "BTC_USDT", Timestamp: base.Add(1500 * time.Millisecond), Bids: []schema.BookLevel{{Price: 101, Quantity: 1}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	source := NewHistoricalSource(mem, "rec-1", []string{"BTC_USDT", "ETH_USDT"}, time.Time{}, time.Time{}, 2)
	if err := source.StartStream(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var stamps []time.Time
	total := 0
	for {
		batch, err := source.NextBatch(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if batch == nil {
			break
		}
		for _, tick := range batch.Ticks {
			stamps = append(stamps, tick.Timestamp)
			total++
		}
		for _, book := range batch.Books {
			stamps = append(stamps, book.Timestamp)
			total++
		}
	}
	if total != 4 {
		t.Fatalf("replayed %d events, want 4", total)
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Fatalf("replay out of order at %d: %v", i, stamps)
		}
	}
	if progress, ok := source.Progress(); !ok || progress != 100 {
		t.Fatalf("progress = %v %v, want 100", progress, ok)
	}
}

func TestCSVSourceReplaysArchive(t *testing.T) {
	dir := t.TempDir()
	c, err := collector.New(dir, "arch")
	if err != nil {
		t.Fatal(err)
	}
	base := time.UnixMicro(1_700_000_000_000_000)
	err = c.WriteTicks([]*schema.Tick{
		{Symbol: "BTC_USDT", Timestamp: base, Price: 100, Volume: 1},
		{Symbol: "BTC_USDT", Timestamp: base.Add(time.Second), Price: 101, Volume: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	source := NewCSVSource(c.Dir(), nil, 10)
	if err := source.StartStream(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	batch, err := source.NextBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Ticks) != 2 || batch.Ticks[0].Price != 100 {
		t.Fatalf("batch = %+v", batch)
	}
	if next, err := source.NextBatch(context.Background()); err != nil || next != nil {
		t.Fatalf("expected drained stream, got %+v %v", next, err)
	}
}

type stubFeed struct {
	events chan MarketEvent
	subs   []string
}

func (f *stubFeed) Connect(context.Context) error { return nil }
func (f *stubFeed) SubscribeToSymbol(_ context.Context, symbol string) error {
	f.subs = append(f.subs, symbol)
	return nil
}
func (f *stubFeed) Events() <-chan MarketEvent       { return f.events }
func (f *stubFeed) Disconnect(context.Context) error { close(f.events); return nil }

func TestLiveSourceDropsOldestOnOverflow(t *testing.T) {
	feed := &stubFeed{events: make(chan MarketEvent)}
	source := NewLiveSource(feed, nil, "test", []string{"BTC_USDT"}, 2, 10)
	if err := source.StartStream(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Push 5 events through a queue of 2 with no consumer.
	for i := 0; i < 5; i++ {
		feed.events <- MarketEvent{Tick: &schema.Tick{Symbol: "BTC_USDT", Price: float64(100 + i)}}
	}
	if err := source.StopStream(context.Background()); err != nil {
		t.Fatal(err)
	}

	var prices []float64
	for {
		batch, err := source.NextBatch(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if batch == nil {
			break
		}
		for _, tick := range batch.Ticks {
			prices = append(prices, tick.Price)
		}
	}
	if len(prices) != 2 {
		t.Fatalf("queued events = %v, want the 2 newest", prices)
	}
	if prices[0] != 103 || prices[1] != 104 {
		t.Fatalf("prices = %v, want [103 104] with oldest dropped", prices)
	}
	if source.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", source.Dropped())
	}
}
