package execution

import (
	"context"
	"sort"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/collector"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// CSVSource replays a data-collection archive from disk. Serving order and
// batching match HistoricalSource so backtests behave the same regardless of
// where the recording lives.
type CSVSource struct {
	sessionDir string
	symbols    []string
	batchSize  int

	ticks  []*schema.Tick
	books  []*schema.OrderbookSnapshot
	order  []replayRef
	cursor int
}

// NewCSVSource replays the archive at sessionDir. Empty symbols replays
// every symbol found in the archive.
func NewCSVSource(sessionDir string, symbols []string, batchSize int) *CSVSource {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &CSVSource{sessionDir: sessionDir, symbols: symbols, batchSize: batchSize}
}

// StartStream loads the archive into memory in timestamp order.
func (s *CSVSource) StartStream(context.Context) error {
	s.ticks = nil
	s.books = nil
	s.order = nil
	s.cursor = 0

	symbols := s.symbols
	if len(symbols) == 0 {
		found, err := collector.ListSymbols(s.sessionDir)
		if err != nil {
			return err
		}
		symbols = found
	}
	if len(symbols) == 0 {
		return errs.New("execution/csv", errs.CodeNotFound,
			errs.WithMessage("archive contains no symbols"),
			errs.WithField("dir", s.sessionDir))
	}

	for _, symbol := range symbols {
		ticks, err := collector.ReadTicks(s.sessionDir, symbol)
		if err != nil {
			return err
		}
		s.ticks = append(s.ticks, ticks...)

		books, err := collector.ReadOrderbooks(s.sessionDir, symbol)
		if err != nil {
			return err
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

	observability.Log().Info("csv replay loaded",
		observability.F("dir", s.sessionDir),
		observability.F("ticks", len(s.ticks)),
		observability.F("orderbooks", len(s.books)))
	return nil
}

// NextBatch serves the next slice of the archive, nil when drained.
func (s *CSVSource) NextBatch(ctx context.Context) (*Batch, error) {
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

// StopStream releases the loaded archive.
func (s *CSVSource) StopStream(context.Context) error {
	s.ticks = nil
	s.books = nil
	s.order = nil
	return nil
}

// Progress reports percent of the archive served.
func (s *CSVSource) Progress() (float64, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	return float64(s.cursor) / float64(len(s.order)) * 100, true
}
