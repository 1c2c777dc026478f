package indicator

import (
	"context"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/internal/observability"
)

// SchedulerConfig tunes the time-driven cadence loop.
type SchedulerConfig struct {
	// MinSleep is the polling slice bounding scheduling drift.
	MinSleep time.Duration
	// Now supplies the scheduler clock.
	Now func() time.Time
	// Sleep overrides the sleeper; tests inject a recorder here.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.MinSleep <= 0 {
		c.MinSleep = 50 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return c
}

// Scheduler drives time-driven indicators on their declared cadence. Due
// times advance by whole intervals; a symbol that falls more than one
// interval behind resynchronises to now instead of bursting catch-up ticks.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextDue map[string]time.Time
}

// NewScheduler builds a scheduler over the engine.
func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		engine:  engine,
		cfg:     cfg.normalize(),
		nextDue: make(map[string]time.Time),
	}
}

// Start launches the cadence loop. Safe to call once per scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Stop terminates the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.cfg.Sleep(ctx, s.cfg.MinSleep); err != nil {
			return
		}
		s.Tick(ctx)
	}
}

// Tick runs one scheduling pass. Exposed so tests drive the scheduler
// without real sleeps.
func (s *Scheduler) Tick(ctx context.Context) {
	cadences := s.engine.ScheduledSymbols()
	now := s.cfg.Now()

	s.mu.Lock()
	// Drop symbols no longer scheduled.
	for symbol := range s.nextDue {
		if _, ok := cadences[symbol]; !ok {
			delete(s.nextDue, symbol)
		}
	}
	var due []string
	for symbol, interval := range cadences {
		next, ok := s.nextDue[symbol]
		if !ok {
			s.nextDue[symbol] = now.Add(interval)
			continue
		}
		if now.Before(next) {
			continue
		}
		due = append(due, symbol)
		next = next.Add(interval)
		if next.Before(now) {
			lag := now.Sub(next)
			observability.Log().Warn("indicator scheduler behind cadence",
				observability.F("symbol", symbol),
				observability.F("lag", lag.String()))
			next = now.Add(interval)
		}
		s.nextDue[symbol] = next
	}
	s.mu.Unlock()

	for _, symbol := range due {
		s.engine.ComputeScheduled(ctx, symbol, now)
	}
}
