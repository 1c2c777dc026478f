package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/tradecore/internal/store"
)

// IndicatorStore persists computed indicator observations.
type IndicatorStore struct {
	pool *pgxpool.Pool
}

// NewIndicatorStore constructs an IndicatorStore backed by the provided pool.
func NewIndicatorStore(pool *pgxpool.Pool) *IndicatorStore {
	return &IndicatorStore{pool: pool}
}

const indicatorInsertSQL = `
INSERT INTO indicators (
    session_id, symbol, indicator_id, indicator_type, indicator_name,
    timestamp, value, confidence, metadata
) VALUES (
    @session_id, @symbol, @indicator_id, @indicator_type, @indicator_name,
    @timestamp, @value, @confidence, @metadata::jsonb
);
`

// WriteIndicatorValue inserts a single indicator row.
func (s *IndicatorStore) WriteIndicatorValue(ctx context.Context, row store.IndicatorRow) error {
	args, err := indicatorArgs(row)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, indicatorInsertSQL, args); err != nil {
		return fmt.Errorf("indicator store: insert value: %w", err)
	}
	return nil
}

// WriteIndicatorBatch inserts a batch of indicator rows in one round trip.
func (s *IndicatorStore) WriteIndicatorBatch(ctx context.Context, rows []store.IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, row := range rows {
		args, err := indicatorArgs(row)
		if err != nil {
			return err
		}
		batch.Queue(indicatorInsertSQL, args)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("indicator store: insert batch: %w", err)
	}
	return nil
}

func indicatorArgs(row store.IndicatorRow) (pgx.NamedArgs, error) {
	meta, err := encodeMetadata(row.Metadata)
	if err != nil {
		return nil, fmt.Errorf("indicator store: encode metadata: %w", err)
	}
	return pgx.NamedArgs{
		"session_id":     row.SessionID,
		"symbol":         row.Symbol,
		"indicator_id":   row.IndicatorID,
		"indicator_type": row.IndicatorType,
		"indicator_name": row.IndicatorName,
		"timestamp":      row.Timestamp,
		"value":          row.Value,
		"confidence":     row.Confidence,
		"metadata":       meta,
	}, nil
}
