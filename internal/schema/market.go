// Package schema defines the canonical records exchanged across the trading core.
package schema

import (
	"strings"
	"time"

	"github.com/quantfabric/tradecore/errs"
)

// Tick is a single trade print with price/volume/timestamp.
// Ticks are monotonic per symbol by timestamp but not globally.
type Tick struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quote_volume,omitempty"`
}

// BookLevel is a single price level of an orderbook side.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"qty"`
}

// OrderbookSnapshot captures top-N depth at a point in time.
// Top-3 levels per side are the guaranteed minimum retained.
type OrderbookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Timestamp time.Time   `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// BestBid returns the highest bid, or false when the book side is empty.
func (s *OrderbookSnapshot) BestBid() (BookLevel, bool) {
	if s == nil || len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the book side is empty.
func (s *OrderbookSnapshot) BestAsk() (BookLevel, bool) {
	if s == nil || len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// Spread returns ask-bid, or false when either side is empty.
func (s *OrderbookSnapshot) Spread() (float64, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// ValidateSymbol verifies the canonical instrument representation (BASE_QUOTE).
func ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	parts := strings.Split(symbol, "_")
	if len(parts) != 2 {
		return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol requires BASE_QUOTE"), errs.WithSymbol(symbol))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol contains empty leg"), errs.WithSymbol(symbol))
		}
		if strings.ToUpper(part) != part {
			return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol must be uppercase"), errs.WithSymbol(symbol))
		}
	}
	return nil
}

// NormalizeTimestamp converts epoch values expressed in seconds, milliseconds,
// or microseconds into a time.Time. Feed payloads disagree about units; the
// magnitude decides.
func NormalizeTimestamp(raw float64) time.Time {
	switch {
	case raw > 1e15: // microseconds
		return time.UnixMicro(int64(raw))
	case raw > 1e12: // milliseconds
		return time.UnixMilli(int64(raw))
	default: // seconds, possibly fractional
		sec := int64(raw)
		nsec := int64((raw - float64(sec)) * 1e9)
		return time.Unix(sec, nsec)
	}
}
