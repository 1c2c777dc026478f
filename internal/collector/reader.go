package collector

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
)

// ListSymbols returns the symbols present in a session archive.
func ListSymbols(sessionDir string) ([]string, error) {
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return nil, errs.New("collector/read", errs.CodeNotFound,
			errs.WithCause(err), errs.WithField("dir", sessionDir))
	}
	var symbols []string
	for _, entry := range entries {
		if entry.IsDir() {
			symbols = append(symbols, entry.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ReadTicks loads a symbol's prices.csv.
func ReadTicks(sessionDir, symbol string) ([]*schema.Tick, error) {
	path := filepath.Join(sessionDir, symbol, PricesFileName)
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	ticks := make([]*schema.Tick, 0, len(rows))
	for i, row := range rows {
		if len(row) < 4 {
			return nil, badRow(path, i+2, nil)
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		price, err := parseFloat(row[1])
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		volume, err := parseFloat(row[2])
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		quoteVolume, err := parseFloat(row[3])
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		ticks = append(ticks, &schema.Tick{
			Symbol:      symbol,
			Timestamp:   time.UnixMicro(ts),
			Price:       price,
			Volume:      volume,
			QuoteVolume: quoteVolume,
		})
	}
	return ticks, nil
}

// ReadOrderbooks loads a symbol's orderbook.csv. The derived best_bid,
// best_ask and spread columns are ignored; depth columns are authoritative.
func ReadOrderbooks(sessionDir, symbol string) ([]*schema.OrderbookSnapshot, error) {
	path := filepath.Join(sessionDir, symbol, OrderbookFileName)
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	books := make([]*schema.OrderbookSnapshot, 0, len(rows))
	for i, row := range rows {
		if len(row) < 1+4*bookDepth {
			return nil, badRow(path, i+2, nil)
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		bids, err := parseLevels(row[1 : 1+2*bookDepth])
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		asks, err := parseLevels(row[1+2*bookDepth : 1+4*bookDepth])
		if err != nil {
			return nil, badRow(path, i+2, err)
		}
		books = append(books, &schema.OrderbookSnapshot{
			Symbol:    symbol,
			Timestamp: time.UnixMicro(ts),
			Bids:      bids,
			Asks:      asks,
		})
	}
	return books, nil
}

func parseLevels(cells []string) ([]schema.BookLevel, error) {
	var levels []schema.BookLevel
	for i := 0; i+1 < len(cells); i += 2 {
		if cells[i] == "" {
			continue
		}
		price, err := parseFloat(cells[i])
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(cells[i+1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, schema.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// readRows returns the data rows of a csv file, header stripped. A missing
// file reads as empty: a symbol may have prices but no orderbooks.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path) // #nosec G304 -- path derives from the session layout.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("collector/read", errs.CodePersistence,
			errs.WithCause(err), errs.WithField("file", path))
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errs.New("collector/read", errs.CodeInvalid,
				errs.WithCause(err), errs.WithField("file", path))
		}
		if first {
			first = false
			continue
		}
		rows = append(rows, row)
	}
}
