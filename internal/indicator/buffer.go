package indicator

import (
	"sync"
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// seriesBuffer is a capped ring of ticks ordered by timestamp. A single
// logical writer appends per symbol; readers take snapshots under the lock.
type seriesBuffer struct {
	mu    sync.RWMutex
	data  []schema.Tick
	head  int
	count int
	last  time.Time
}

func newSeriesBuffer(capacity int) *seriesBuffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &seriesBuffer{data: make([]schema.Tick, capacity)}
}

// Append inserts the tick, evicting the oldest point when full. Ticks whose
// timestamp regresses below the newest retained point are discarded to keep
// the buffer monotonic.
func (b *seriesBuffer) Append(t schema.Tick) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count > 0 && t.Timestamp.Before(b.last) {
		return false
	}
	idx := (b.head + b.count) % len(b.data)
	if b.count == len(b.data) {
		b.head = (b.head + 1) % len(b.data)
	} else {
		b.count++
	}
	b.data[idx] = t
	b.last = t.Timestamp
	return true
}

// Window returns ticks with from < timestamp <= to, oldest first.
func (b *seriesBuffer) Window(from, to time.Time) []schema.Tick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []schema.Tick
	for i := 0; i < b.count; i++ {
		t := b.data[(b.head+i)%len(b.data)]
		if !t.Timestamp.After(from) {
			continue
		}
		if t.Timestamp.After(to) {
			break
		}
		out = append(out, t)
	}
	return out
}

// Last returns the newest tick, or false when empty.
func (b *seriesBuffer) Last() (schema.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return schema.Tick{}, false
	}
	return b.data[(b.head+b.count-1)%len(b.data)], true
}

// Len returns the number of retained points.
func (b *seriesBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// bookBuffer is the orderbook counterpart of seriesBuffer.
type bookBuffer struct {
	mu    sync.RWMutex
	data  []schema.OrderbookSnapshot
	head  int
	count int
	last  time.Time
}

func newBookBuffer(capacity int) *bookBuffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &bookBuffer{data: make([]schema.OrderbookSnapshot, capacity)}
}

func (b *bookBuffer) Append(s schema.OrderbookSnapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count > 0 && s.Timestamp.Before(b.last) {
		return false
	}
	idx := (b.head + b.count) % len(b.data)
	if b.count == len(b.data) {
		b.head = (b.head + 1) % len(b.data)
	} else {
		b.count++
	}
	b.data[idx] = s
	b.last = s.Timestamp
	return true
}

// Window returns snapshots with from < timestamp <= to, oldest first.
func (b *bookBuffer) Window(from, to time.Time) []schema.OrderbookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []schema.OrderbookSnapshot
	for i := 0; i < b.count; i++ {
		s := b.data[(b.head+i)%len(b.data)]
		if !s.Timestamp.After(from) {
			continue
		}
		if s.Timestamp.After(to) {
			break
		}
		out = append(out, s)
	}
	return out
}

func (b *bookBuffer) Last() (schema.OrderbookSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return schema.OrderbookSnapshot{}, false
	}
	return b.data[(b.head+b.count-1)%len(b.data)], true
}

func (b *bookBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
