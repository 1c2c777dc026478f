// Package postgres implements the time-series store over the Postgres wire
// protocol. Bulk market/indicator ingestion takes the ILP path in the sibling
// ilp package; this package covers queries and transactional writes.
package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store exposes the Postgres-wire persistence surface.
type Store struct {
	*MarketStore
	*IndicatorStore
	*TradingStore
	*SessionStore
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		MarketStore:    NewMarketStore(pool),
		IndicatorStore: NewIndicatorStore(pool),
		TradingStore:   NewTradingStore(pool),
		SessionStore:   NewSessionStore(pool),
	}
}

// Connect dials the DSN and returns a ready Store.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse store dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect store: %w", err)
	}
	return New(pool), pool, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}
