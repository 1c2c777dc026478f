package order

import (
	"context"
	"sync"

	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/schema"
)

// QuoteCache tracks the latest trade price and top of book per symbol from
// the market topics. Managers price fills from it.
type QuoteCache struct {
	bus bus.Bus

	mu    sync.RWMutex
	last  map[string]float64
	books map[string]*schema.OrderbookSnapshot
	subs  []subRef
}

type subRef struct {
	topic string
	id    bus.SubscriptionID
}

// NewQuoteCache builds an empty cache on the bus.
func NewQuoteCache(b bus.Bus) *QuoteCache {
	return &QuoteCache{
		bus:   b,
		last:  make(map[string]float64),
		books: make(map[string]*schema.OrderbookSnapshot),
	}
}

// Attach subscribes to the single and batch market topics.
func (q *QuoteCache) Attach() error {
	for topic, handler := range map[string]bus.Handler{
		schema.TopicPriceUpdate:     q.onPrice,
		schema.TopicOrderbookUpdate: q.onOrderbook,
		schema.TopicPriceBatch:      q.onPriceBatch,
		schema.TopicOrderbookBatch:  q.onOrderbookBatch,
	} {
		id, err := q.bus.Subscribe(topic, handler)
		if err != nil {
			q.Detach()
			return err
		}
		q.subs = append(q.subs, subRef{topic: topic, id: id})
	}
	return nil
}

// Detach unsubscribes from all market topics.
func (q *QuoteCache) Detach() {
	for _, s := range q.subs {
		q.bus.Unsubscribe(s.topic, s.id)
	}
	q.subs = nil
}

// LastPrice returns the latest trade price for the symbol.
func (q *QuoteCache) LastPrice(symbol string) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.last[symbol]
	return p, ok
}

// BestBid returns the top bid price for the symbol.
func (q *QuoteCache) BestBid(symbol string) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	book, ok := q.books[symbol]
	if !ok {
		return 0, false
	}
	level, ok := book.BestBid()
	return level.Price, ok
}

// BestAsk returns the top ask price for the symbol.
func (q *QuoteCache) BestAsk(symbol string) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	book, ok := q.books[symbol]
	if !ok {
		return 0, false
	}
	level, ok := book.BestAsk()
	return level.Price, ok
}

func (q *QuoteCache) onPrice(_ context.Context, _ string, data map[string]any) error {
	if tick, ok := data["tick"].(*schema.Tick); ok && tick != nil {
		q.mu.Lock()
		q.last[tick.Symbol] = tick.Price
		q.mu.Unlock()
	}
	return nil
}

func (q *QuoteCache) onOrderbook(_ context.Context, _ string, data map[string]any) error {
	if book, ok := data["orderbook"].(*schema.OrderbookSnapshot); ok && book != nil {
		q.mu.Lock()
		q.books[book.Symbol] = book
		q.mu.Unlock()
	}
	return nil
}

func (q *QuoteCache) onPriceBatch(_ context.Context, _ string, data map[string]any) error {
	if ticks, ok := data["ticks"].([]*schema.Tick); ok {
		q.mu.Lock()
		for _, tick := range ticks {
			if tick != nil {
				q.last[tick.Symbol] = tick.Price
			}
		}
		q.mu.Unlock()
	}
	return nil
}

func (q *QuoteCache) onOrderbookBatch(_ context.Context, _ string, data map[string]any) error {
	if books, ok := data["orderbooks"].([]*schema.OrderbookSnapshot); ok {
		q.mu.Lock()
		for _, book := range books {
			if book != nil {
				q.books[book.Symbol] = book
			}
		}
		q.mu.Unlock()
	}
	return nil
}
