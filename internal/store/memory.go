package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
)

// MemoryStore is an in-memory Store implementation backing unit tests and
// dry runs. Writes are copy-on-insert so callers may reuse their records.
type MemoryStore struct {
	mu         sync.RWMutex
	prices     map[string][]*schema.Tick              // keyed by sessionID
	orderbooks map[string][]*schema.OrderbookSnapshot // keyed by sessionID
	indicators []IndicatorRow
	signals    []*schema.Signal
	orders     map[string]*schema.Order    // keyed by order id
	positions  map[string]*schema.Position // keyed by position id
	sessions   map[string]*schema.ExecutionSession
}

// NewMemoryStore creates an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	s := new(MemoryStore)
	s.prices = make(map[string][]*schema.Tick)
	s.orderbooks = make(map[string][]*schema.OrderbookSnapshot)
	s.orders = make(map[string]*schema.Order)
	s.positions = make(map[string]*schema.Position)
	s.sessions = make(map[string]*schema.ExecutionSession)
	return s
}

// WritePrices appends ticks under the session key.
func (s *MemoryStore) WritePrices(_ context.Context, sessionID string, ticks []*schema.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ticks {
		if t == nil {
			continue
		}
		cp := *t
		s.prices[sessionID] = append(s.prices[sessionID], &cp)
	}
	return nil
}

// WriteOrderbooks appends snapshots under the session key.
func (s *MemoryStore) WriteOrderbooks(_ context.Context, sessionID string, books []*schema.OrderbookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range books {
		if b == nil {
			continue
		}
		cp := *b
		cp.Bids = append([]schema.BookLevel(nil), b.Bids...)
		cp.Asks = append([]schema.BookLevel(nil), b.Asks...)
		s.orderbooks[sessionID] = append(s.orderbooks[sessionID], &cp)
	}
	return nil
}

// ReadPrices returns session ticks for the symbol inside [from, to], ordered
// by timestamp.
func (s *MemoryStore) ReadPrices(_ context.Context, sessionID, symbol string, from, to time.Time) ([]*schema.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Tick
	for _, t := range s.prices[sessionID] {
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		if !from.IsZero() && t.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && t.Timestamp.After(to) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ReadOrderbooks returns session snapshots for the symbol inside [from, to].
func (s *MemoryStore) ReadOrderbooks(_ context.Context, sessionID, symbol string, from, to time.Time) ([]*schema.OrderbookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.OrderbookSnapshot
	for _, b := range s.orderbooks[sessionID] {
		if symbol != "" && b.Symbol != symbol {
			continue
		}
		if !from.IsZero() && b.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && b.Timestamp.After(to) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// CountPrices returns the number of ticks recorded under the session.
func (s *MemoryStore) CountPrices(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.prices[sessionID])), nil
}

// WriteIndicatorValue stores a single indicator row.
func (s *MemoryStore) WriteIndicatorValue(_ context.Context, row IndicatorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indicators = append(s.indicators, row)
	return nil
}

// WriteIndicatorBatch stores a batch of indicator rows.
func (s *MemoryStore) WriteIndicatorBatch(_ context.Context, rows []IndicatorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indicators = append(s.indicators, rows...)
	return nil
}

// InsertSignal stores a signal record.
func (s *MemoryStore) InsertSignal(_ context.Context, sig *schema.Signal) error {
	if sig == nil {
		return errs.New("store/signal", errs.CodeInvalid, errs.WithMessage("signal required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.signals = append(s.signals, &cp)
	return nil
}

// UpsertOrder inserts or replaces the order row keyed by order id.
func (s *MemoryStore) UpsertOrder(_ context.Context, order *schema.Order) error {
	if order == nil || order.OrderID == "" {
		return errs.New("store/order", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order.Clone()
	return nil
}

// UpsertPosition inserts or replaces the position row keyed by position id.
func (s *MemoryStore) UpsertPosition(_ context.Context, pos *schema.Position) error {
	if pos == nil || pos.PositionID == "" {
		return errs.New("store/position", errs.CodeInvalid, errs.WithMessage("position id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.PositionID] = pos.Clone()
	return nil
}

// InsertSession stores session metadata.
func (s *MemoryStore) InsertSession(_ context.Context, session *schema.ExecutionSession) error {
	if session == nil || session.SessionID == "" {
		return errs.New("store/session", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

// UpdateSessionStatus updates the session row status and error message.
func (s *MemoryStore) UpdateSessionStatus(_ context.Context, sessionID string, status schema.SessionStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return errs.New("store/session", errs.CodeNotFound, errs.WithSession(sessionID))
	}
	session.Status = status
	session.ErrorMessage = errorMessage
	return nil
}

// CompleteSession marks the session row complete with its end time.
func (s *MemoryStore) CompleteSession(_ context.Context, sessionID string, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return errs.New("store/session", errs.CodeNotFound, errs.WithSession(sessionID))
	}
	session.EndTime = endTime
	return nil
}

// Snapshot accessors used by tests.

// Orders returns a copy of the stored orders keyed by id.
func (s *MemoryStore) Orders() map[string]*schema.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*schema.Order, len(s.orders))
	for k, v := range s.orders {
		out[k] = v.Clone()
	}
	return out
}

// Positions returns a copy of the stored positions keyed by id.
func (s *MemoryStore) Positions() map[string]*schema.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*schema.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v.Clone()
	}
	return out
}

// Signals returns a copy of the stored signals.
func (s *MemoryStore) Signals() []*schema.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Signal, len(s.signals))
	copy(out, s.signals)
	return out
}

// IndicatorRows returns a copy of the stored indicator rows.
func (s *MemoryStore) IndicatorRows() []IndicatorRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndicatorRow, len(s.indicators))
	copy(out, s.indicators)
	return out
}

// Sessions returns a copy of the stored sessions keyed by id.
func (s *MemoryStore) Sessions() map[string]*schema.ExecutionSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*schema.ExecutionSession, len(s.sessions))
	for k, v := range s.sessions {
		cp := *v
		out[k] = &cp
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
