package execution

import (
	"sync"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/observability"
)

// LeaseTable grants each symbol to at most one session. A single mutex covers
// acquire and release so a multi-symbol acquisition is atomic: either every
// symbol is leased or none is.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]string // symbol -> holder session id
}

// NewLeaseTable builds an empty table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: make(map[string]string)}
}

// Acquire leases every symbol for the session or none. Stale leases whose
// holder is no longer active (per the callback) are purged before checking.
func (l *LeaseTable) Acquire(sessionID string, symbols []string, active func(sessionID string) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if active != nil {
		for symbol, holder := range l.leases {
			if !active(holder) {
				observability.Log().Warn("purging stale symbol lease",
					observability.F("symbol", symbol),
					observability.F("holder", holder))
				delete(l.leases, symbol)
			}
		}
	}

	for _, symbol := range symbols {
		if holder, held := l.leases[symbol]; held && holder != sessionID {
			return errs.New("execution/lease", errs.CodeConflict,
				errs.WithMessage("symbol already leased"),
				errs.WithSymbol(symbol),
				errs.WithField("holder", holder))
		}
	}
	for _, symbol := range symbols {
		l.leases[symbol] = sessionID
	}
	return nil
}

// Release drops every lease held by the session. Releasing an unknown
// session is a no-op.
func (l *LeaseTable) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for symbol, holder := range l.leases {
		if holder == sessionID {
			delete(l.leases, symbol)
		}
	}
}

// Holder returns the session currently leasing the symbol.
func (l *LeaseTable) Holder(symbol string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.leases[symbol]
	return holder, ok
}

// Snapshot copies the lease table for inspection.
func (l *LeaseTable) Snapshot() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.leases))
	for symbol, holder := range l.leases {
		out[symbol] = holder
	}
	return out
}
