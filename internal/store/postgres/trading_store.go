package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
)

// TradingStore persists signals, orders and positions. Orders and positions
// use upserts keyed by their ids so out-of-order event arrival is tolerated.
type TradingStore struct {
	pool *pgxpool.Pool
}

// NewTradingStore constructs a TradingStore backed by the provided pool.
func NewTradingStore(pool *pgxpool.Pool) *TradingStore {
	return &TradingStore{pool: pool}
}

const (
	signalInsertSQL = `
INSERT INTO strategy_signals (
    strategy_id, symbol, signal_type, triggered, conditions_met,
    indicator_values, action, timestamp, metadata
) VALUES (
    @strategy_id, @symbol, @signal_type, @triggered, @conditions_met::jsonb,
    @indicator_values::jsonb, @action, @timestamp, @metadata::jsonb
);
`

	orderUpsertSQL = `
INSERT INTO orders (
    order_id, strategy_id, symbol, side, type, qty, price,
    filled_qty, filled_price, commission, status, timestamp, metadata
) VALUES (
    @order_id, @strategy_id, @symbol, @side, @type, @qty, @price,
    @filled_qty, @filled_price, @commission, @status, @timestamp, @metadata::jsonb
)
ON CONFLICT (order_id) DO UPDATE SET
    filled_qty   = EXCLUDED.filled_qty,
    filled_price = EXCLUDED.filled_price,
    commission   = EXCLUDED.commission,
    status       = EXCLUDED.status,
    timestamp    = EXCLUDED.timestamp,
    metadata     = EXCLUDED.metadata;
`

	positionUpsertSQL = `
INSERT INTO positions (
    position_id, strategy_id, symbol, side, qty, entry_price, current_price,
    unrealized_pnl, realized_pnl, stop_loss, take_profit, status, opened_at, updated_at
) VALUES (
    @position_id, @strategy_id, @symbol, @side, @qty, @entry_price, @current_price,
    @unrealized_pnl, @realized_pnl, @stop_loss, @take_profit, @status, @opened_at, @updated_at
)
ON CONFLICT (position_id) DO UPDATE SET
    qty            = EXCLUDED.qty,
    current_price  = EXCLUDED.current_price,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    realized_pnl   = EXCLUDED.realized_pnl,
    stop_loss      = EXCLUDED.stop_loss,
    take_profit    = EXCLUDED.take_profit,
    status         = EXCLUDED.status,
    updated_at     = EXCLUDED.updated_at;
`
)

// InsertSignal appends one signal record.
func (s *TradingStore) InsertSignal(ctx context.Context, sig *schema.Signal) error {
	if sig == nil {
		return errs.New("store/signal", errs.CodeInvalid, errs.WithMessage("signal required"))
	}
	conditions, err := encodeJSON(sig.ConditionsMet)
	if err != nil {
		return fmt.Errorf("trading store: encode conditions: %w", err)
	}
	values, err := encodeJSON(sig.IndicatorValues)
	if err != nil {
		return fmt.Errorf("trading store: encode indicator values: %w", err)
	}
	meta, err := encodeMetadata(sig.Metadata)
	if err != nil {
		return fmt.Errorf("trading store: encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, signalInsertSQL, pgx.NamedArgs{
		"strategy_id":      sig.StrategyID,
		"symbol":           sig.Symbol,
		"signal_type":      string(sig.SignalType),
		"triggered":        sig.Triggered,
		"conditions_met":   conditions,
		"indicator_values": values,
		"action":           string(sig.Action),
		"timestamp":        sig.Timestamp,
		"metadata":         meta,
	})
	if err != nil {
		return fmt.Errorf("trading store: insert signal: %w", err)
	}
	return nil
}

// UpsertOrder inserts or refreshes the order row keyed by order id.
func (s *TradingStore) UpsertOrder(ctx context.Context, order *schema.Order) error {
	if order == nil || order.OrderID == "" {
		return errs.New("store/order", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	meta, err := encodeMetadata(order.Metadata)
	if err != nil {
		return fmt.Errorf("trading store: encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, orderUpsertSQL, pgx.NamedArgs{
		"order_id":     order.OrderID,
		"strategy_id":  order.StrategyID,
		"symbol":       order.Symbol,
		"side":         string(order.Side),
		"type":         string(order.Type),
		"qty":          order.Quantity,
		"price":        order.Price,
		"filled_qty":   order.FilledQty,
		"filled_price": order.FilledPrice,
		"commission":   order.Commission,
		"status":       string(order.Status),
		"timestamp":    order.Timestamp,
		"metadata":     meta,
	})
	if err != nil {
		return fmt.Errorf("trading store: upsert order %s: %w", order.OrderID, err)
	}
	return nil
}

// UpsertPosition inserts or refreshes the position row keyed by position id.
func (s *TradingStore) UpsertPosition(ctx context.Context, pos *schema.Position) error {
	if pos == nil || pos.PositionID == "" {
		return errs.New("store/position", errs.CodeInvalid, errs.WithMessage("position id required"))
	}
	_, err := s.pool.Exec(ctx, positionUpsertSQL, pgx.NamedArgs{
		"position_id":    pos.PositionID,
		"strategy_id":    pos.StrategyID,
		"symbol":         pos.Symbol,
		"side":           string(pos.Side),
		"qty":            pos.Quantity,
		"entry_price":    pos.EntryPrice,
		"current_price":  pos.CurrentPrice,
		"unrealized_pnl": pos.UnrealizedPnl,
		"realized_pnl":   pos.RealizedPnl,
		"stop_loss":      pos.StopLoss,
		"take_profit":    pos.TakeProfit,
		"status":         string(pos.Status),
		"opened_at":      pos.OpenedAt,
		"updated_at":     pos.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("trading store: upsert position %s: %w", pos.PositionID, err)
	}
	return nil
}
