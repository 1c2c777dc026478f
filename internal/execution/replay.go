package execution

import (
	"context"
	"sort"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
)

// HistoricalSource replays recorded market data for a backtest. The whole
// recording is loaded up front and served oldest-first in fixed batches, so
// replay order is deterministic across runs.
type HistoricalSource struct {
	reader          store.MarketReader
	sourceSessionID string
	symbols         []string
	from, to        time.Time
	batchSize       int

	ticks  []*schema.Tick
	books  []*schema.OrderbookSnapshot
	order  []replayRef
	cursor int
}

// replayRef interleaves ticks and orderbook snapshots in timestamp order.
// Exactly one index is >= 0.
type replayRef struct {
	ts   time.Time
	tick int
	book int
}

// NewHistoricalSource builds a replay source over the recording identified by
// sourceSessionID. Zero from/to replay the full recording.
func NewHistoricalSource(reader store.MarketReader, sourceSessionID string, symbols []string, from, to time.Time, batchSize int) *HistoricalSource {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &HistoricalSource{
		reader:          reader,
		sourceSessionID: sourceSessionID,
		symbols:         symbols,
		from:            from,
		to:              to,
		batchSize:       batchSize,
	}
}

// StartStream loads and orders the recording.
func (s *HistoricalSource) StartStream(ctx context.Context) error {
	s.ticks = nil
	s.books = nil
	s.order = nil
	s.cursor = 0

	for _, symbol := range s.symbols {
		ticks, err := s.reader.ReadPrices(ctx, s.sourceSessionID, symbol, s.from, s.to)
		if err != nil {
			return errs.New("execution/replay", errs.CodePersistence,
				errs.WithCause(err), errs.WithSymbol(symbol))
		}
		s.ticks = append(s.ticks, ticks...)

		books, err := s.reader.ReadOrderbooks(ctx, s.sourceSessionID, symbol, s.from, s.to)
		if err != nil {
			return errs.New("execution/replay", errs.CodePersistence,
				errs.WithCause(err), errs.WithSymbol(symbol))
		}
		s.books = append(s.books, books...)
	}

	for i := range s.ticks {
		s.order = append(s.order, replayRef{ts: s.ticks[i].Timestamp, tick: i, book: -1})
	}
	for i := range s.books {
		s.order = append(s.order, replayRef{ts: s.books[i].Timestamp, tick: -1, book: i})
	}
	sort.SliceStable(s.order, func(i, j int) bool { return s.order[i].ts.Before(s.order[j].ts) })

	observability.Log().Info("historical replay loaded",
		observability.F("source_session", s.sourceSessionID),
		observability.F("ticks", len(s.ticks)),
		observability.F("orderbooks", len(s.books)))
	return nil
}

// NextBatch serves the next slice of the recording, nil when drained.
func (s *HistoricalSource) NextBatch(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cursor >= len(s.order) {
		return nil, nil
	}
	end := s.cursor + s.batchSize
	if end > len(s.order) {
		end = len(s.order)
	}
	batch := &Batch{}
	for _, ref := range s.order[s.cursor:end] {
		if ref.tick >= 0 {
			batch.Ticks = append(batch.Ticks, s.ticks[ref.tick])
		} else {
			batch.Books = append(batch.Books, s.books[ref.book])
		}
	}
	s.cursor = end
	return batch, nil
}

// StopStream releases the loaded recording.
func (s *HistoricalSource) StopStream(context.Context) error {
	s.ticks = nil
	s.books = nil
	s.order = nil
	return nil
}

// Progress reports percent of the recording served.
func (s *HistoricalSource) Progress() (float64, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	return float64(s.cursor) / float64(len(s.order)) * 100, true
}
