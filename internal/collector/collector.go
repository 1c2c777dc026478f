// Package collector writes data-collection sessions to the legacy CSV
// layout: data/session_<id>/<SYMBOL>/prices.csv and orderbook.csv. One
// writer exists per symbol, guarded by its own lock so concurrent batches
// for different symbols never interleave rows within a file.
package collector

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

const (
	PricesFileName    = "prices.csv"
	OrderbookFileName = "orderbook.csv"
	bookDepth         = 3
)

var priceHeader = []string{"timestamp", "price", "volume", "quote_volume"}

var orderbookHeader = []string{
	"timestamp",
	"bid_price_1", "bid_qty_1", "bid_price_2", "bid_qty_2", "bid_price_3", "bid_qty_3",
	"ask_price_1", "ask_qty_1", "ask_price_2", "ask_qty_2", "ask_price_3", "ask_qty_3",
	"best_bid", "best_ask", "spread",
}

// SessionDir returns the on-disk directory for a session's archive.
func SessionDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "session_"+sessionID)
}

// Collector owns a session's CSV archive.
type Collector struct {
	dir string

	mu      sync.Mutex
	writers map[string]*symbolWriter
}

type symbolWriter struct {
	mu        sync.Mutex
	priceFile *os.File
	priceCSV  *csv.Writer
	bookFile  *os.File
	bookCSV   *csv.Writer
}

// New creates the session directory and an empty collector.
func New(dataDir, sessionID string) (*Collector, error) {
	dir := SessionDir(dataDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("collector/init", errs.CodePersistence, errs.WithCause(err))
	}
	return &Collector{dir: dir, writers: make(map[string]*symbolWriter)}, nil
}

// Dir returns the session archive directory.
func (c *Collector) Dir() string { return c.dir }

// WriteTicks appends ticks to their symbols' price files.
func (c *Collector) WriteTicks(ticks []*schema.Tick) error {
	for _, tick := range ticks {
		w, err := c.writer(tick.Symbol)
		if err != nil {
			return err
		}
		w.mu.Lock()
		err = w.priceCSV.Write([]string{
			// Timestamps are epoch microseconds, matching the feed resolution.
			strconv.FormatInt(tick.Timestamp.UnixMicro(), 10),
			formatFloat(tick.Price),
			formatFloat(tick.Volume),
			formatFloat(tick.QuoteVolume),
		})
		w.mu.Unlock()
		if err != nil {
			return errs.New("collector/write", errs.CodePersistence,
				errs.WithCause(err), errs.WithSymbol(tick.Symbol))
		}
	}
	return nil
}

// WriteOrderbooks appends snapshots, padding missing depth with empty cells.
func (c *Collector) WriteOrderbooks(books []*schema.OrderbookSnapshot) error {
	for _, book := range books {
		w, err := c.writer(book.Symbol)
		if err != nil {
			return err
		}
		row := make([]string, 0, len(orderbookHeader))
		row = append(row, strconv.FormatInt(book.Timestamp.UnixMicro(), 10))
		row = appendLevels(row, book.Bids)
		row = appendLevels(row, book.Asks)
		row = appendTouch(row, book)

		w.mu.Lock()
		err = w.bookCSV.Write(row)
		w.mu.Unlock()
		if err != nil {
			return errs.New("collector/write", errs.CodePersistence,
				errs.WithCause(err), errs.WithSymbol(book.Symbol))
		}
	}
	return nil
}

// Flush forces buffered rows to disk.
func (c *Collector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, w := range c.writers {
		w.mu.Lock()
		w.priceCSV.Flush()
		w.bookCSV.Flush()
		err := w.priceCSV.Error()
		if err == nil {
			err = w.bookCSV.Error()
		}
		w.mu.Unlock()
		if err != nil {
			return errs.New("collector/flush", errs.CodePersistence,
				errs.WithCause(err), errs.WithSymbol(symbol))
		}
	}
	return nil
}

// Close flushes and closes every open file.
func (c *Collector) Close() error {
	if err := c.Flush(); err != nil {
		observability.Log().Error("collector flush on close failed",
			observability.F("error", err.Error()))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, w := range c.writers {
		w.mu.Lock()
		if err := w.priceFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.bookFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.mu.Unlock()
	}
	c.writers = make(map[string]*symbolWriter)
	return firstErr
}

func (c *Collector) writer(symbol string) (*symbolWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.writers[symbol]; ok {
		return w, nil
	}

	symbolDir := filepath.Join(c.dir, symbol)
	if err := os.MkdirAll(symbolDir, 0o755); err != nil {
		return nil, errs.New("collector/init", errs.CodePersistence,
			errs.WithCause(err), errs.WithSymbol(symbol))
	}
	priceFile, err := os.Create(filepath.Join(symbolDir, PricesFileName))
	if err != nil {
		return nil, errs.New("collector/init", errs.CodePersistence,
			errs.WithCause(err), errs.WithSymbol(symbol))
	}
	bookFile, err := os.Create(filepath.Join(symbolDir, OrderbookFileName))
	if err != nil {
		_ = priceFile.Close()
		return nil, errs.New("collector/init", errs.CodePersistence,
			errs.WithCause(err), errs.WithSymbol(symbol))
	}

	w := &symbolWriter{
		priceFile: priceFile,
		priceCSV:  csv.NewWriter(priceFile),
		bookFile:  bookFile,
		bookCSV:   csv.NewWriter(bookFile),
	}
	if err := w.priceCSV.Write(priceHeader); err != nil {
		return nil, errs.New("collector/init", errs.CodePersistence, errs.WithCause(err))
	}
	if err := w.bookCSV.Write(orderbookHeader); err != nil {
		return nil, errs.New("collector/init", errs.CodePersistence, errs.WithCause(err))
	}
	c.writers[symbol] = w
	return w, nil
}

func appendLevels(row []string, levels []schema.BookLevel) []string {
	for i := 0; i < bookDepth; i++ {
		if i < len(levels) {
			row = append(row, formatFloat(levels[i].Price), formatFloat(levels[i].Quantity))
		} else {
			row = append(row, "", "")
		}
	}
	return row
}

func appendTouch(row []string, book *schema.OrderbookSnapshot) []string {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if okBid {
		row = append(row, formatFloat(bid.Price))
	} else {
		row = append(row, "")
	}
	if okAsk {
		row = append(row, formatFloat(ask.Price))
	} else {
		row = append(row, "")
	}
	if okBid && okAsk {
		row = append(row, formatFloat(ask.Price-bid.Price))
	} else {
		row = append(row, "")
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func badRow(path string, line int, cause error) error {
	return errs.New("collector/read", errs.CodeInvalid,
		errs.WithCause(cause),
		errs.WithField("file", path),
		errs.WithField("line", fmt.Sprintf("%d", line)))
}
