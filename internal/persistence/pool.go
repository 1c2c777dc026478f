package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfabric/tradecore/internal/observability"
)

// writerPool runs store writes off the bus dispatch goroutines. Submission is
// non-blocking: a saturated pool reports false and the caller writes inline,
// so persistence never stalls dispatch and never silently loses a row.
type writerPool struct {
	jobs    chan func(context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	fallbks atomic.Int64
}

func newWriterPool(workers, depth int) *writerPool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &writerPool{
		jobs:   make(chan func(context.Context), depth),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// trySubmit queues fn for a worker. It reports false when the pool is full or
// draining; the caller then runs the write inline.
func (p *writerPool) trySubmit(fn func(context.Context)) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- fn:
		return true
	default:
		p.fallbks.Add(1)
		return false
	}
}

// drain stops intake and waits for queued writes to finish, up to the limit.
func (p *writerPool) drain(limit time.Duration) {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		p.cancel()
		observability.Log().Warn("writer pool drain timed out",
			observability.F("inline_fallbacks", p.fallbks.Load()))
		<-done
	}
}

func (p *writerPool) work() {
	defer p.wg.Done()
	for fn := range p.jobs {
		fn(p.ctx)
	}
}
