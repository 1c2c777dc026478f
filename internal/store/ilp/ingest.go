// Package ilp streams bulk market and indicator rows to the time-series
// database over the influx line protocol. The pg-wire path in store/postgres
// stays authoritative for queries and transactional writes; this path exists
// for sustained tick-rate ingestion.
package ilp

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	qdb "github.com/questdb/go-questdb-client/v3"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
)

// Ingestor writes rows through a line-protocol sender. It satisfies the
// store.MarketWriter and store.IndicatorWriter contracts so callers can swap
// it in wherever the pg-wire writer would go.
type Ingestor struct {
	mu     sync.Mutex
	sender qdb.LineSender
	closed bool
}

// Connect dials the ILP endpoint, host:port.
func Connect(ctx context.Context, addr string) (*Ingestor, error) {
	if addr == "" {
		return nil, errs.New("ilp/connect", errs.CodeInvalid, errs.WithMessage("ilp address required"))
	}
	sender, err := qdb.NewLineSender(ctx, qdb.WithTcp(), qdb.WithAddress(addr))
	if err != nil {
		return nil, errs.New("ilp/connect", errs.CodeUnavailable, errs.WithCause(err), errs.WithField("addr", addr))
	}
	return &Ingestor{sender: sender}, nil
}

// NewWithSender wraps an existing sender. Tests inject fakes through here.
func NewWithSender(sender qdb.LineSender) *Ingestor {
	return &Ingestor{sender: sender}
}

// WritePrices streams tick rows and flushes once at the end.
func (i *Ingestor) WritePrices(ctx context.Context, sessionID string, ticks []*schema.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return errs.New("ilp/prices", errs.CodeUnavailable, errs.WithMessage("ingestor closed"))
	}
	for _, t := range ticks {
		if t == nil {
			continue
		}
		err := i.sender.Table("prices").
			Symbol("session_id", sessionID).
			Symbol("symbol", t.Symbol).
			Float64Column("price", t.Price).
			Float64Column("volume", t.Volume).
			Float64Column("quote_volume", t.QuoteVolume).
			At(ctx, t.Timestamp)
		if err != nil {
			return errs.New("ilp/prices", errs.CodeUnavailable, errs.WithCause(err), errs.WithSymbol(t.Symbol))
		}
	}
	return i.flushLocked(ctx, "ilp/prices")
}

// WriteOrderbooks streams snapshot rows. Levels travel as json columns.
func (i *Ingestor) WriteOrderbooks(ctx context.Context, sessionID string, books []*schema.OrderbookSnapshot) error {
	if len(books) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return errs.New("ilp/orderbooks", errs.CodeUnavailable, errs.WithMessage("ingestor closed"))
	}
	for _, b := range books {
		if b == nil {
			continue
		}
		bids, err := json.Marshal(b.Bids)
		if err != nil {
			return errs.New("ilp/orderbooks", errs.CodeInvalid, errs.WithCause(err), errs.WithSymbol(b.Symbol))
		}
		asks, err := json.Marshal(b.Asks)
		if err != nil {
			return errs.New("ilp/orderbooks", errs.CodeInvalid, errs.WithCause(err), errs.WithSymbol(b.Symbol))
		}
		builder := i.sender.Table("orderbooks").
			Symbol("session_id", sessionID).
			Symbol("symbol", b.Symbol).
			StringColumn("bids", string(bids)).
			StringColumn("asks", string(asks))
		if bid, ok := b.BestBid(); ok {
			builder = builder.Float64Column("best_bid", bid.Price)
		}
		if ask, ok := b.BestAsk(); ok {
			builder = builder.Float64Column("best_ask", ask.Price)
		}
		if spread, ok := b.Spread(); ok {
			builder = builder.Float64Column("spread", spread)
		}
		err = builder.At(ctx, b.Timestamp)
		if err != nil {
			return errs.New("ilp/orderbooks", errs.CodeUnavailable, errs.WithCause(err), errs.WithSymbol(b.Symbol))
		}
	}
	return i.flushLocked(ctx, "ilp/orderbooks")
}

// WriteIndicatorValue streams one indicator row.
func (i *Ingestor) WriteIndicatorValue(ctx context.Context, row store.IndicatorRow) error {
	return i.WriteIndicatorBatch(ctx, []store.IndicatorRow{row})
}

// WriteIndicatorBatch streams indicator rows and flushes once at the end.
func (i *Ingestor) WriteIndicatorBatch(ctx context.Context, rows []store.IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return errs.New("ilp/indicators", errs.CodeUnavailable, errs.WithMessage("ingestor closed"))
	}
	for _, row := range rows {
		builder := i.sender.Table("indicators").
			Symbol("session_id", row.SessionID).
			Symbol("symbol", row.Symbol).
			Symbol("indicator_id", row.IndicatorID).
			Symbol("indicator_type", row.IndicatorType).
			StringColumn("indicator_name", row.IndicatorName).
			Float64Column("value", row.Value).
			Float64Column("confidence", row.Confidence)
		if len(row.Metadata) > 0 {
			meta, err := json.Marshal(row.Metadata)
			if err != nil {
				return errs.New("ilp/indicators", errs.CodeInvalid, errs.WithCause(err), errs.WithField("indicator", row.IndicatorID))
			}
			builder = builder.StringColumn("metadata", string(meta))
		}
		if err := builder.At(ctx, row.Timestamp); err != nil {
			return errs.New("ilp/indicators", errs.CodeUnavailable, errs.WithCause(err), errs.WithField("indicator", row.IndicatorID))
		}
	}
	return i.flushLocked(ctx, "ilp/indicators")
}

// Close flushes buffered rows and releases the connection.
func (i *Ingestor) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := i.sender.Flush(flushCtx); err != nil {
		observability.Log().Warn("ilp flush on close failed", observability.F("error", err.Error()))
	}
	if err := i.sender.Close(ctx); err != nil {
		return errs.New("ilp/close", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

func (i *Ingestor) flushLocked(ctx context.Context, op string) error {
	if err := i.sender.Flush(ctx); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithCause(err), errs.WithMessage(fmt.Sprintf("flush: %v", err)))
	}
	return nil
}

var (
	_ store.MarketWriter    = (*Ingestor)(nil)
	_ store.IndicatorWriter = (*Ingestor)(nil)
)
