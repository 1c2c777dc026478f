// Package persistence forwards bus traffic and engine output into the
// time-series store. Hot paths never block on store I/O: indicator rows are
// buffered and flushed in batches, and trading records ride the bus's
// at-least-once delivery with idempotent upserts.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/store"
)

// IndicatorBatcherConfig tunes the indicator flush loop.
type IndicatorBatcherConfig struct {
	// FlushInterval bounds how long a row may sit buffered.
	FlushInterval time.Duration
	// BatchSize triggers an early flush when the buffer fills.
	BatchSize int
	// FlushTimeout bounds each store write.
	FlushTimeout time.Duration
}

func (c IndicatorBatcherConfig) normalize() IndicatorBatcherConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// IndicatorBatcher buffers computed indicator rows and flushes them in bulk.
// Record never blocks; store failures are logged and the batch is dropped so
// ingestion keeps flowing.
type IndicatorBatcher struct {
	writer store.IndicatorWriter
	cfg    IndicatorBatcherConfig

	mu      sync.Mutex
	pending []store.IndicatorRow
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewIndicatorBatcher builds a batcher over the writer.
func NewIndicatorBatcher(writer store.IndicatorWriter, cfg IndicatorBatcherConfig) *IndicatorBatcher {
	return &IndicatorBatcher{
		writer: writer,
		cfg:    cfg.normalize(),
		kick:   make(chan struct{}, 1),
	}
}

// Record buffers one row. Null values never reach the batcher; the engine
// skips them before forwarding.
func (b *IndicatorBatcher) Record(row store.IndicatorRow) {
	b.mu.Lock()
	b.pending = append(b.pending, row)
	full := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the flush loop.
func (b *IndicatorBatcher) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(runCtx)
}

// Stop terminates the loop and flushes whatever remains.
func (b *IndicatorBatcher) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.Flush(context.Background())
}

// Flush writes all buffered rows immediately.
func (b *IndicatorBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	rows := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(rows) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	defer cancel()
	if err := b.writer.WriteIndicatorBatch(writeCtx, rows); err != nil {
		observability.Log().Error("indicator batch flush failed",
			observability.F("rows", len(rows)),
			observability.F("error", err.Error()))
	}
}

// Pending returns the number of buffered rows.
func (b *IndicatorBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *IndicatorBatcher) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		}
	}
}
