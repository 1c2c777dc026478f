// Package execution owns the single active session: symbol leasing, the
// data-source pipeline, strategy and indicator activation, and atomic
// teardown.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/collector"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/coordinator"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/order"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
)

// IndicatorBinder is the slice of the indicator engine the controller drives.
type IndicatorBinder interface {
	AddIndicatorToSession(sessionID, symbol, variantID string) error
	RemoveSession(sessionID string)
}

// StrategyRunner is the slice of the strategy evaluator the controller drives.
type StrategyRunner interface {
	Activate(strategy schema.Strategy, symbols []string) error
	DeactivateAll()
}

// IndicatorRequest binds a variant to session symbols. An empty Symbol binds
// the variant to every symbol in the session.
type IndicatorRequest struct {
	Symbol    string
	VariantID string
}

// StartRequest describes a session to start.
type StartRequest struct {
	Mode       schema.SessionMode
	Symbols    []string
	Strategies []schema.Strategy
	Indicators []IndicatorRequest
	Source     DataSource
	Parameters map[string]any
}

// Deps wires the controller's collaborators. Optional fields may be nil.
type Deps struct {
	Bus        bus.Bus
	Leases     *LeaseTable
	Indicators IndicatorBinder
	Strategies StrategyRunner
	Binding    *order.Binding
	Managers   map[schema.SessionMode]order.Manager
	Sessions   store.SessionStore
	Flush      []func(context.Context)
	Config     config.ExecutionConfig
}

// Controller owns the one active execution session per process.
type Controller struct {
	deps Deps
	now  func() time.Time

	mu         sync.Mutex
	session    *schema.ExecutionSession
	source     DataSource
	archive    *collector.Collector
	cancel     context.CancelFunc
	done       chan struct{}
	finishOnce *sync.Once
	pauseGate  chan struct{}
	replayTime time.Time

	smSubID bus.SubscriptionID
}

// NewController builds a controller.
func NewController(deps Deps) *Controller {
	if deps.Leases == nil {
		deps.Leases = NewLeaseTable()
	}
	return &Controller{deps: deps, now: time.Now}
}

// SetClock overrides wall time for tests.
func (c *Controller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Start validates the request, leases the symbols, runs the pre-start hook
// (strategy activation and indicator registration happen before the first
// tick flows), starts the stream, and launches the pipeline.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	if !req.Mode.Valid() {
		return "", errs.New("execution/start", errs.CodeInvalid,
			errs.WithMessage("unknown session mode"), errs.WithField("mode", string(req.Mode)))
	}
	if len(req.Symbols) == 0 {
		return "", errs.New("execution/start", errs.CodeInvalid, errs.WithMessage("symbols required"))
	}
	for _, symbol := range req.Symbols {
		if err := schema.ValidateSymbol(symbol); err != nil {
			return "", err
		}
	}
	if req.Source == nil {
		return "", errs.New("execution/start", errs.CodeInvalid, errs.WithMessage("data source required"))
	}

	c.mu.Lock()
	if c.session != nil && !terminal(c.session.Status) {
		active := c.session.SessionID
		c.mu.Unlock()
		return "", errs.New("execution/start", errs.CodeConflict,
			errs.WithMessage("a session is already active"),
			errs.WithField("active_session", active))
	}

	sessionID := schema.NewSessionID(c.now())
	if err := c.deps.Leases.Acquire(sessionID, req.Symbols, c.holderActiveLocked); err != nil {
		c.mu.Unlock()
		return "", err
	}

	session := &schema.ExecutionSession{
		SessionID:  sessionID,
		Mode:       req.Mode,
		Symbols:    append([]string(nil), req.Symbols...),
		Status:     schema.StatusStarting,
		Parameters: req.Parameters,
		StartTime:  c.now(),
	}
	c.session = session
	c.source = req.Source
	c.finishOnce = &sync.Once{}
	c.done = make(chan struct{})
	c.pauseGate = nil
	c.mu.Unlock()

	if c.deps.Sessions != nil {
		if err := c.deps.Sessions.InsertSession(ctx, session); err != nil {
			observability.Log().Warn("session row insert failed",
				observability.F("session_id", sessionID),
				observability.F("error", err.Error()))
		}
	}

	if err := c.preStart(ctx, session, req); err != nil {
		c.abortStart(ctx, session, err)
		return "", err
	}
	if err := req.Source.StartStream(ctx); err != nil {
		c.abortStart(ctx, session, err)
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session.Status = schema.StatusRunning
	c.cancel = cancel
	started := c.session.Clone()
	c.mu.Unlock()

	c.updateSessionRow(ctx, sessionID, schema.StatusRunning, "")
	c.publish(ctx, schema.TopicSessionStarted, map[string]any{"session": started})
	observability.Log().Info("session started",
		observability.F("session_id", sessionID),
		observability.F("mode", string(req.Mode)),
		observability.F("symbols", len(req.Symbols)))

	go c.run(runCtx)
	return sessionID, nil
}

// preStart is the pre-stream hook: order-manager swap, strategy activation,
// and indicator registration, in that order.
func (c *Controller) preStart(_ context.Context, session *schema.ExecutionSession, req StartRequest) error {
	if c.deps.Binding != nil {
		if manager, ok := c.deps.Managers[req.Mode]; ok {
			c.deps.Binding.Rebind(manager)
		}
	}
	if req.Mode == schema.ModeDataCollection {
		archive, err := collector.New(c.deps.Config.DataDir, session.SessionID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.archive = archive
		c.mu.Unlock()
	}

	if c.deps.Indicators != nil {
		for _, ind := range req.Indicators {
			symbols := req.Symbols
			if ind.Symbol != "" {
				symbols = []string{ind.Symbol}
			}
			for _, symbol := range symbols {
				if err := c.deps.Indicators.AddIndicatorToSession(session.SessionID, symbol, ind.VariantID); err != nil {
					return err
				}
			}
		}
	}
	if c.deps.Strategies != nil {
		for _, strat := range req.Strategies {
			if err := c.deps.Strategies.Activate(strat, req.Symbols); err != nil {
				return err
			}
		}
	}
	return nil
}

// abortStart unwinds a failed start and marks the session ERROR.
func (c *Controller) abortStart(ctx context.Context, session *schema.ExecutionSession, cause error) {
	if c.deps.Strategies != nil {
		c.deps.Strategies.DeactivateAll()
	}
	if c.deps.Indicators != nil {
		c.deps.Indicators.RemoveSession(session.SessionID)
	}
	c.deps.Leases.Release(session.SessionID)

	c.mu.Lock()
	c.session.Status = schema.StatusError
	c.session.ErrorMessage = cause.Error()
	c.session.EndTime = c.now()
	if c.archive != nil {
		_ = c.archive.Close()
		c.archive = nil
	}
	c.mu.Unlock()

	c.updateSessionRow(ctx, session.SessionID, schema.StatusError, cause.Error())
	observability.Log().Error("session start failed",
		observability.F("session_id", session.SessionID),
		observability.F("error", cause.Error()))
}

// run is the main pipeline: pull a batch, publish it, track progress.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	progressInterval := c.deps.Config.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = 5 * time.Second
	}
	flushInterval := c.deps.Config.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	lastProgress := time.Now()
	lastFlush := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		if gate := c.gate(); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
			continue
		}

		batch, err := c.source.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.finish(ctx, schema.StatusError, err.Error())
			return
		}
		if batch == nil {
			c.finish(context.Background(), schema.StatusStopped, "")
			return
		}
		c.publishBatch(ctx, batch)

		if time.Since(lastFlush) >= flushInterval {
			lastFlush = time.Now()
			c.runFlush(ctx)
		}
		if time.Since(lastProgress) >= progressInterval {
			lastProgress = time.Now()
			c.publishProgress(ctx)
		}
	}
}

// publishBatch fans a batch out as per-event updates for the hot path plus
// batch topics for bulk consumers, and archives it in DATA_COLLECTION mode.
func (c *Controller) publishBatch(ctx context.Context, batch *Batch) {
	for _, tick := range batch.Ticks {
		c.publish(ctx, schema.TopicPriceUpdate, map[string]any{"symbol": tick.Symbol, "tick": tick})
	}
	for _, book := range batch.Books {
		c.publish(ctx, schema.TopicOrderbookUpdate, map[string]any{"symbol": book.Symbol, "orderbook": book})
	}
	if len(batch.Ticks) > 0 {
		c.publish(ctx, schema.TopicPriceBatch, map[string]any{"ticks": batch.Ticks})
	}
	if len(batch.Books) > 0 {
		c.publish(ctx, schema.TopicOrderbookBatch, map[string]any{"orderbooks": batch.Books})
	}

	c.mu.Lock()
	c.session.Metrics.TicksProcessed += int64(len(batch.Ticks))
	c.session.Metrics.OrderbooksReplayed += int64(len(batch.Books))
	if n := len(batch.Ticks); n > 0 {
		c.replayTime = batch.Ticks[n-1].Timestamp
	}
	archive := c.archive
	c.mu.Unlock()

	if archive != nil {
		if err := archive.WriteTicks(batch.Ticks); err != nil {
			observability.Log().Error("archive tick write failed",
				observability.F("error", err.Error()))
		}
		if err := archive.WriteOrderbooks(batch.Books); err != nil {
			observability.Log().Error("archive orderbook write failed",
				observability.F("error", err.Error()))
		}
	}
}

func (c *Controller) publishProgress(ctx context.Context) {
	progress, bounded := c.source.Progress()
	c.mu.Lock()
	if bounded {
		c.session.Progress = progress
	}
	sessionID := c.session.SessionID
	metrics := c.session.Metrics
	c.mu.Unlock()

	if bounded {
		c.publish(ctx, schema.TopicProgressUpdate, map[string]any{
			"session_id": sessionID,
			"progress":   progress,
		})
	}
	c.publish(ctx, schema.TopicMetricsUpdate, map[string]any{
		"session_id": sessionID,
		"metrics":    metrics,
	})
}

func (c *Controller) runFlush(ctx context.Context) {
	for _, flush := range c.deps.Flush {
		flush(ctx)
	}
	c.mu.Lock()
	archive := c.archive
	c.mu.Unlock()
	if archive != nil {
		if err := archive.Flush(); err != nil {
			observability.Log().Error("archive flush failed",
				observability.F("error", err.Error()))
		}
	}
}

// Stop requests teardown. It is idempotent: concurrent and repeated calls
// collapse onto a single cleanup and a single completion event.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || terminal(c.session.Status) {
		c.mu.Unlock()
		return nil
	}
	if c.session.Status != schema.StatusStopping {
		if !schema.CanTransition(c.session.Status, schema.StatusStopping) {
			err := schema.TransitionError(c.session.SessionID, c.session.Status, schema.StatusStopping)
			c.mu.Unlock()
			return err
		}
		c.session.Status = schema.StatusStopping
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	c.finish(ctx, schema.StatusStopped, "")
	return nil
}

// Pause suspends batch pulling without tearing anything down.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return errs.New("execution/pause", errs.CodeState, errs.WithMessage("no active session"))
	}
	if !schema.CanTransition(c.session.Status, schema.StatusPaused) {
		err := schema.TransitionError(c.session.SessionID, c.session.Status, schema.StatusPaused)
		c.mu.Unlock()
		return err
	}
	c.session.Status = schema.StatusPaused
	c.pauseGate = make(chan struct{})
	sessionID := c.session.SessionID
	c.mu.Unlock()

	c.updateSessionRow(ctx, sessionID, schema.StatusPaused, "")
	c.publish(ctx, schema.TopicSessionPaused, map[string]any{"session_id": sessionID})
	return nil
}

// Resume releases a paused session back into the pipeline.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return errs.New("execution/resume", errs.CodeState, errs.WithMessage("no active session"))
	}
	if !schema.CanTransition(c.session.Status, schema.StatusRunning) {
		err := schema.TransitionError(c.session.SessionID, c.session.Status, schema.StatusRunning)
		c.mu.Unlock()
		return err
	}
	c.session.Status = schema.StatusRunning
	if c.pauseGate != nil {
		close(c.pauseGate)
		c.pauseGate = nil
	}
	sessionID := c.session.SessionID
	c.mu.Unlock()

	c.updateSessionRow(ctx, sessionID, schema.StatusRunning, "")
	c.publish(ctx, schema.TopicSessionResumed, map[string]any{"session_id": sessionID})
	return nil
}

// Status returns a copy of the current session.
func (c *Controller) Status() (*schema.ExecutionSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, false
	}
	return c.session.Clone(), true
}

// ReplayClock exposes the timestamp of the most recently published tick, so
// backtest fills carry replayed time instead of wall time.
func (c *Controller) ReplayClock() func() time.Time {
	return func() time.Time {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.replayTime.IsZero() {
			return time.Now()
		}
		return c.replayTime
	}
}

// finish runs cleanup exactly once per session: flush, close the source,
// release leases, deactivate strategies, unbind indicators, and publish the
// terminal event.
func (c *Controller) finish(ctx context.Context, status schema.SessionStatus, errMsg string) {
	c.mu.Lock()
	once := c.finishOnce
	c.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { c.cleanup(ctx, status, errMsg) })
}

func (c *Controller) cleanup(ctx context.Context, status schema.SessionStatus, errMsg string) {
	flushTimeout := c.deps.Config.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	defer cancelFlush()
	c.runFlush(flushCtx)

	if err := c.source.StopStream(flushCtx); err != nil {
		observability.Log().Warn("data source stop failed",
			observability.F("error", err.Error()))
	}
	if c.deps.Strategies != nil {
		c.deps.Strategies.DeactivateAll()
	}

	c.mu.Lock()
	session := c.session
	archive := c.archive
	c.archive = nil
	if session.Status != schema.StatusStopping && schema.CanTransition(session.Status, schema.StatusStopping) {
		session.Status = schema.StatusStopping
	}
	session.Status = status
	session.ErrorMessage = errMsg
	session.EndTime = c.now()
	if status == schema.StatusStopped && session.Progress == 0 {
		if progress, ok := c.source.Progress(); ok {
			session.Progress = progress
		}
	}
	sessionID := session.SessionID
	mode := session.Mode
	metrics := session.Metrics
	c.mu.Unlock()

	if c.deps.Indicators != nil {
		c.deps.Indicators.RemoveSession(sessionID)
	}
	c.deps.Leases.Release(sessionID)
	if archive != nil {
		if err := archive.Close(); err != nil {
			observability.Log().Error("archive close failed",
				observability.F("error", err.Error()))
		}
	}

	if c.deps.Sessions != nil {
		if status == schema.StatusStopped && mode == schema.ModeDataCollection {
			if err := c.deps.Sessions.CompleteSession(ctx, sessionID, c.now()); err != nil {
				observability.Log().Warn("session completion update failed",
					observability.F("session_id", sessionID),
					observability.F("error", err.Error()))
			}
		} else {
			c.updateSessionRow(ctx, sessionID, status, errMsg)
		}
	}

	if status == schema.StatusError {
		c.publish(ctx, schema.TopicSessionFailed, map[string]any{
			"session_id": sessionID,
			"error":      errMsg,
		})
	} else {
		c.publish(ctx, schema.TopicSessionCompleted, map[string]any{
			"session_id": sessionID,
			"metrics":    metrics,
		})
	}
	observability.Log().Info("session finished",
		observability.F("session_id", sessionID),
		observability.F("status", string(status)))
}

// AttachSessionManager registers the controller as the coordinator's session
// manager: it answers subscription checks from the active session's symbol
// set.
func (c *Controller) AttachSessionManager(coord *coordinator.Coordinator) error {
	id, err := c.deps.Bus.Subscribe(schema.TopicSubscriptionCheckRequest, c.onCheckRequest)
	if err != nil {
		return err
	}
	c.smSubID = id
	coord.RegisterSessionManager()
	return nil
}

func (c *Controller) onCheckRequest(ctx context.Context, _ string, data map[string]any) error {
	requestID, _ := data["request_id"].(string)
	symbol, _ := data["symbol"].(string)
	if requestID == "" {
		return nil
	}

	decision := coordinator.DeniedNoSession
	c.mu.Lock()
	if c.session != nil && (c.session.Status == schema.StatusRunning || c.session.Status == schema.StatusPaused) {
		decision = coordinator.DeniedQuotaExceeded
		for _, s := range c.session.Symbols {
			if s == symbol {
				decision = coordinator.Allowed
				break
			}
		}
	}
	c.mu.Unlock()

	return c.deps.Bus.Publish(ctx, schema.TopicSubscriptionCheckResponse, map[string]any{
		"request_id": requestID,
		"decision":   string(decision),
	})
}

func (c *Controller) gate() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseGate
}

// holderActiveLocked runs inside Acquire while Start already holds c.mu, so
// it must not lock again.
func (c *Controller) holderActiveLocked(sessionID string) bool {
	return c.session != nil && c.session.SessionID == sessionID && !terminal(c.session.Status)
}

func (c *Controller) updateSessionRow(ctx context.Context, sessionID string, status schema.SessionStatus, errMsg string) {
	if c.deps.Sessions == nil {
		return
	}
	if err := c.deps.Sessions.UpdateSessionStatus(ctx, sessionID, status, errMsg); err != nil {
		observability.Log().Warn("session status update failed",
			observability.F("session_id", sessionID),
			observability.F("status", string(status)),
			observability.F("error", err.Error()))
	}
}

func (c *Controller) publish(ctx context.Context, topic string, data map[string]any) {
	if err := c.deps.Bus.Publish(ctx, topic, data); err != nil {
		observability.Log().Warn("controller publish failed",
			observability.F("topic", topic),
			observability.F("error", err.Error()))
	}
}

func terminal(status schema.SessionStatus) bool {
	return status == schema.StatusStopped || status == schema.StatusError
}
