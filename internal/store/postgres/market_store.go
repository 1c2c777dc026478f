package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/tradecore/internal/schema"
)

// MarketStore reads and writes raw market data rows.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore constructs a MarketStore backed by the provided pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const (
	priceInsertSQL = `
INSERT INTO prices (session_id, symbol, timestamp, price, volume, quote_volume)
VALUES (@session_id, @symbol, @timestamp, @price, @volume, @quote_volume);
`

	orderbookInsertSQL = `
INSERT INTO orderbooks (session_id, symbol, timestamp, bids, asks)
VALUES (@session_id, @symbol, @timestamp, @bids::jsonb, @asks::jsonb);
`

	priceSelectSQL = `
SELECT symbol, timestamp, price, volume, quote_volume
FROM prices
WHERE session_id = @session_id
  AND (@symbol = '' OR symbol = @symbol)
  AND (@from::timestamptz IS NULL OR timestamp >= @from)
  AND (@to::timestamptz IS NULL OR timestamp <= @to)
ORDER BY timestamp;
`

	orderbookSelectSQL = `
SELECT symbol, timestamp, bids, asks
FROM orderbooks
WHERE session_id = @session_id
  AND (@symbol = '' OR symbol = @symbol)
  AND (@from::timestamptz IS NULL OR timestamp >= @from)
  AND (@to::timestamptz IS NULL OR timestamp <= @to)
ORDER BY timestamp;
`

	priceCountSQL = `SELECT count(*) FROM prices WHERE session_id = @session_id;`
)

// WritePrices inserts tick rows for the session inside one batch.
func (s *MarketStore) WritePrices(ctx context.Context, sessionID string, ticks []*schema.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, t := range ticks {
		if t == nil {
			continue
		}
		batch.Queue(priceInsertSQL, pgx.NamedArgs{
			"session_id":   sessionID,
			"symbol":       t.Symbol,
			"timestamp":    t.Timestamp,
			"price":        t.Price,
			"volume":       t.Volume,
			"quote_volume": t.QuoteVolume,
		})
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("market store: insert prices: %w", err)
	}
	return nil
}

// WriteOrderbooks inserts snapshot rows for the session inside one batch.
func (s *MarketStore) WriteOrderbooks(ctx context.Context, sessionID string, books []*schema.OrderbookSnapshot) error {
	if len(books) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, b := range books {
		if b == nil {
			continue
		}
		bids, err := json.Marshal(b.Bids)
		if err != nil {
			return fmt.Errorf("market store: encode bids: %w", err)
		}
		asks, err := json.Marshal(b.Asks)
		if err != nil {
			return fmt.Errorf("market store: encode asks: %w", err)
		}
		batch.Queue(orderbookInsertSQL, pgx.NamedArgs{
			"session_id": sessionID,
			"symbol":     b.Symbol,
			"timestamp":  b.Timestamp,
			"bids":       bids,
			"asks":       asks,
		})
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("market store: insert orderbooks: %w", err)
	}
	return nil
}

// ReadPrices returns session ticks ordered by timestamp.
func (s *MarketStore) ReadPrices(ctx context.Context, sessionID, symbol string, from, to time.Time) ([]*schema.Tick, error) {
	rows, err := s.pool.Query(ctx, priceSelectSQL, pgx.NamedArgs{
		"session_id": sessionID,
		"symbol":     symbol,
		"from":       nullableTime(from),
		"to":         nullableTime(to),
	})
	if err != nil {
		return nil, fmt.Errorf("market store: query prices: %w", err)
	}
	defer rows.Close()

	var out []*schema.Tick
	for rows.Next() {
		t := new(schema.Tick)
		if err := rows.Scan(&t.Symbol, &t.Timestamp, &t.Price, &t.Volume, &t.QuoteVolume); err != nil {
			return nil, fmt.Errorf("market store: scan price: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market store: iterate prices: %w", err)
	}
	return out, nil
}

// ReadOrderbooks returns session snapshots ordered by timestamp.
func (s *MarketStore) ReadOrderbooks(ctx context.Context, sessionID, symbol string, from, to time.Time) ([]*schema.OrderbookSnapshot, error) {
	rows, err := s.pool.Query(ctx, orderbookSelectSQL, pgx.NamedArgs{
		"session_id": sessionID,
		"symbol":     symbol,
		"from":       nullableTime(from),
		"to":         nullableTime(to),
	})
	if err != nil {
		return nil, fmt.Errorf("market store: query orderbooks: %w", err)
	}
	defer rows.Close()

	var out []*schema.OrderbookSnapshot
	for rows.Next() {
		b := new(schema.OrderbookSnapshot)
		var bids, asks []byte
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &bids, &asks); err != nil {
			return nil, fmt.Errorf("market store: scan orderbook: %w", err)
		}
		if err := json.Unmarshal(bids, &b.Bids); err != nil {
			return nil, fmt.Errorf("market store: decode bids: %w", err)
		}
		if err := json.Unmarshal(asks, &b.Asks); err != nil {
			return nil, fmt.Errorf("market store: decode asks: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market store: iterate orderbooks: %w", err)
	}
	return out, nil
}

// CountPrices counts tick rows recorded under the session.
func (s *MarketStore) CountPrices(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, priceCountSQL, pgx.NamedArgs{"session_id": sessionID}).Scan(&count); err != nil {
		return 0, fmt.Errorf("market store: count prices: %w", err)
	}
	return count, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
