package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/coordinator"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// MarketEvent is one normalised feed event; exactly one field is set.
type MarketEvent struct {
	Tick *schema.Tick
	Book *schema.OrderbookSnapshot
}

// Feed is the slice of the exchange adapter the live source consumes. The
// adapter closes Events() when the connection is torn down for good.
type Feed interface {
	Connect(ctx context.Context) error
	SubscribeToSymbol(ctx context.Context, symbol string) error
	Events() <-chan MarketEvent
	Disconnect(ctx context.Context) error
}

const dropWarnInterval = 5 * time.Second

// LiveSource bridges the exchange feed into the controller's pull loop via a
// bounded queue. On overflow the oldest event is dropped and counted; the
// warning is rate limited so a firehose cannot flood the log.
type LiveSource struct {
	feed      Feed
	coord     *coordinator.Coordinator
	requester string
	symbols   []string
	batchSize int

	queue   chan MarketEvent
	dropped atomic.Int64

	mu       sync.Mutex
	lastWarn time.Time

	pumpDone chan struct{}
}

// NewLiveSource wraps the feed. coord may be nil, in which case subscriptions
// are not gated.
func NewLiveSource(feed Feed, coord *coordinator.Coordinator, requester string, symbols []string, queueSize, batchSize int) *LiveSource {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &LiveSource{
		feed:      feed,
		coord:     coord,
		requester: requester,
		symbols:   symbols,
		batchSize: batchSize,
		queue:     make(chan MarketEvent, queueSize),
		pumpDone:  make(chan struct{}),
	}
}

// StartStream connects, subscribes each permitted symbol and starts the pump.
// At least one symbol must subscribe successfully.
func (s *LiveSource) StartStream(ctx context.Context) error {
	if err := s.feed.Connect(ctx); err != nil {
		return errs.New("execution/live", errs.CodeExchange,
			errs.WithCause(err), errs.WithMessage("feed connect failed"))
	}

	subscribed := 0
	for _, symbol := range s.symbols {
		if s.coord != nil {
			if decision := s.coord.RequestSubscription(ctx, symbol, s.requester); decision != coordinator.Allowed {
				observability.Log().Warn("subscription denied",
					observability.F("symbol", symbol),
					observability.F("decision", string(decision)))
				continue
			}
		}
		if err := s.feed.SubscribeToSymbol(ctx, symbol); err != nil {
			observability.Log().Error("symbol subscribe failed",
				observability.F("symbol", symbol),
				observability.F("error", err.Error()))
			if s.coord != nil {
				s.coord.NotifySubscriptionFailure(symbol, err)
			}
			continue
		}
		if s.coord != nil {
			s.coord.NotifySubscriptionSuccess(symbol)
		}
		subscribed++
	}
	if subscribed == 0 {
		_ = s.feed.Disconnect(ctx)
		return errs.New("execution/live", errs.CodeUnavailable,
			errs.WithMessage("no symbols subscribed"))
	}

	go s.pump()
	return nil
}

// pump moves feed events into the bounded queue, dropping oldest on overflow.
func (s *LiveSource) pump() {
	defer close(s.pumpDone)
	for ev := range s.feed.Events() {
		select {
		case s.queue <- ev:
		default:
			select {
			case <-s.queue:
				s.dropped.Add(1)
				s.warnDrop()
			default:
			}
			select {
			case s.queue <- ev:
			default:
			}
		}
	}
	close(s.queue)
}

func (s *LiveSource) warnDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastWarn) < dropWarnInterval {
		return
	}
	s.lastWarn = now
	observability.Log().Warn("live queue overflow, dropping oldest events",
		observability.F("dropped_total", s.dropped.Load()))
}

// NextBatch blocks for the first event, then drains whatever else is queued
// up to the batch size. Returns nil when the feed has closed.
func (s *LiveSource) NextBatch(ctx context.Context) (*Batch, error) {
	var first MarketEvent
	var open bool
	select {
	case first, open = <-s.queue:
		if !open {
			return nil, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := &Batch{}
	appendEvent(batch, first)
	for len(batch.Ticks)+len(batch.Books) < s.batchSize {
		select {
		case ev, open := <-s.queue:
			if !open {
				return batch, nil
			}
			appendEvent(batch, ev)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func appendEvent(batch *Batch, ev MarketEvent) {
	if ev.Tick != nil {
		batch.Ticks = append(batch.Ticks, ev.Tick)
	}
	if ev.Book != nil {
		batch.Books = append(batch.Books, ev.Book)
	}
}

// StopStream disconnects the feed and waits for the pump to drain.
func (s *LiveSource) StopStream(ctx context.Context) error {
	err := s.feed.Disconnect(ctx)
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
	}
	return err
}

// Progress is unbounded for a live stream.
func (s *LiveSource) Progress() (float64, bool) { return 0, false }

// Dropped reports how many events overflow has discarded.
func (s *LiveSource) Dropped() int64 { return s.dropped.Load() }
