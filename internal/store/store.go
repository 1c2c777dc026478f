// Package store defines the time-series store contracts consumed by the
// trading core. Implementations live in the postgres and ilp subpackages;
// a memory implementation backs tests and dry runs.
package store

import (
	"context"
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// IndicatorRow is one persisted indicator observation.
type IndicatorRow struct {
	SessionID     string
	Symbol        string
	IndicatorID   string
	IndicatorType string
	IndicatorName string
	Timestamp     time.Time
	Value         float64
	Confidence    float64
	Metadata      map[string]any
}

// MarketWriter persists raw market data. Bulk paths take the ILP route.
type MarketWriter interface {
	WritePrices(ctx context.Context, sessionID string, ticks []*schema.Tick) error
	WriteOrderbooks(ctx context.Context, sessionID string, books []*schema.OrderbookSnapshot) error
}

// MarketReader reads recorded market data for replay.
type MarketReader interface {
	ReadPrices(ctx context.Context, sessionID, symbol string, from, to time.Time) ([]*schema.Tick, error)
	ReadOrderbooks(ctx context.Context, sessionID, symbol string, from, to time.Time) ([]*schema.OrderbookSnapshot, error)
	CountPrices(ctx context.Context, sessionID string) (int64, error)
}

// IndicatorWriter persists computed indicator values.
// Null values never reach this interface; callers skip them.
type IndicatorWriter interface {
	WriteIndicatorValue(ctx context.Context, row IndicatorRow) error
	WriteIndicatorBatch(ctx context.Context, rows []IndicatorRow) error
}

// TradingWriter persists signals, orders and positions with upsert semantics
// so out-of-order event arrival is tolerated.
type TradingWriter interface {
	InsertSignal(ctx context.Context, sig *schema.Signal) error
	UpsertOrder(ctx context.Context, order *schema.Order) error
	UpsertPosition(ctx context.Context, pos *schema.Position) error
}

// SessionStore persists session lifecycle metadata.
type SessionStore interface {
	InsertSession(ctx context.Context, session *schema.ExecutionSession) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status schema.SessionStatus, errorMessage string) error
	CompleteSession(ctx context.Context, sessionID string, endTime time.Time) error
}

// Store aggregates the full persistence surface.
type Store interface {
	MarketWriter
	MarketReader
	IndicatorWriter
	TradingWriter
	SessionStore
}
