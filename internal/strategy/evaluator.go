package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// Evaluator subscribes to indicator updates and drives the per-(strategy,
// symbol) signal state machine: IDLE -> S1_ACTIVE -> Z1_ACTIVE -> ZE1_ACTIVE,
// with O1 cancelling back to IDLE and Emergency always checked first.
type Evaluator struct {
	bus bus.Bus
	now func() time.Time

	mu         sync.Mutex
	strategies map[string]*activeStrategy
	values     map[string]map[string]float64 // symbol -> indicator id -> latest
	subs       []evalSub
}

type activeStrategy struct {
	strategy schema.Strategy
	states   map[string]*schema.SymbolState // keyed by symbol
}

type evalSub struct {
	topic string
	id    bus.SubscriptionID
}

// NewEvaluator builds an evaluator over the bus.
func NewEvaluator(b bus.Bus) *Evaluator {
	return &Evaluator{
		bus:        b,
		now:        time.Now,
		strategies: make(map[string]*activeStrategy),
		values:     make(map[string]map[string]float64),
	}
}

// SetClock overrides wall time; tests drive timeouts through this.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now != nil {
		e.now = now
	}
}

// Attach subscribes the evaluator to its input topics.
func (e *Evaluator) Attach() error {
	for topic, handler := range map[string]bus.Handler{
		schema.TopicIndicatorUpdated: e.onIndicatorUpdated,
		schema.TopicPositionClosed:   e.onPositionClosed,
	} {
		id, err := e.bus.Subscribe(topic, handler)
		if err != nil {
			e.Detach()
			return err
		}
		e.mu.Lock()
		e.subs = append(e.subs, evalSub{topic: topic, id: id})
		e.mu.Unlock()
	}
	return nil
}

// Detach unsubscribes the evaluator.
func (e *Evaluator) Detach() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, s := range subs {
		e.bus.Unsubscribe(s.topic, s.id)
	}
}

// Activate registers the strategy for the given symbols, starting each
// (strategy, symbol) machine in IDLE.
func (e *Evaluator) Activate(strategy schema.Strategy, symbols []string) error {
	if err := strategy.Validate(); err != nil {
		return err
	}
	if len(symbols) == 0 {
		return errs.New("strategy/activate", errs.CodeInvalid,
			errs.WithMessage("at least one symbol required"))
	}
	for _, symbol := range symbols {
		if err := schema.ValidateSymbol(symbol); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	active, ok := e.strategies[strategy.ID]
	if !ok {
		active = &activeStrategy{strategy: strategy, states: make(map[string]*schema.SymbolState)}
		e.strategies[strategy.ID] = active
	}
	for _, symbol := range symbols {
		if _, ok := active.states[symbol]; !ok {
			active.states[symbol] = &schema.SymbolState{Phase: schema.PhaseIdle}
		}
	}
	return nil
}

// Deactivate removes the strategy and all its symbol machines.
func (e *Evaluator) Deactivate(strategyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.strategies, strategyID)
}

// DeactivateAll clears every active strategy; session teardown calls this.
func (e *Evaluator) DeactivateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies = make(map[string]*activeStrategy)
	e.values = make(map[string]map[string]float64)
}

// Active returns the registered strategy definitions ordered by id.
func (e *Evaluator) Active() []schema.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.Strategy, 0, len(e.strategies))
	for _, active := range e.strategies {
		out = append(out, active.strategy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StateOf returns a copy of the machine state for (strategy, symbol).
func (e *Evaluator) StateOf(strategyID, symbol string) (schema.SymbolState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	active, ok := e.strategies[strategyID]
	if !ok {
		return schema.SymbolState{}, false
	}
	state, ok := active.states[symbol]
	if !ok {
		return schema.SymbolState{}, false
	}
	return *state, true
}

func (e *Evaluator) onIndicatorUpdated(ctx context.Context, _ string, data map[string]any) error {
	symbol, _ := data["symbol"].(string)
	indicatorID, _ := data["indicator_id"].(string)
	if symbol == "" || indicatorID == "" {
		return errs.New("strategy/indicator_updated", errs.CodeInvalid,
			errs.WithMessage("payload missing symbol or indicator_id"))
	}
	value, _ := data["value"].(*schema.IndicatorValue)

	e.mu.Lock()
	if scalar, ok := value.Float(); ok {
		if e.values[symbol] == nil {
			e.values[symbol] = make(map[string]float64)
		}
		e.values[symbol][indicatorID] = scalar
	}
	signals := e.evaluateSymbolLocked(symbol, e.now())
	e.mu.Unlock()

	e.publish(ctx, signals)
	return nil
}

func (e *Evaluator) onPositionClosed(ctx context.Context, _ string, data map[string]any) error {
	pos, ok := data["position"].(*schema.Position)
	if !ok || pos == nil {
		return errs.New("strategy/position_closed", errs.CodeInvalid,
			errs.WithMessage("payload missing position"))
	}
	e.mu.Lock()
	for _, active := range e.strategies {
		state, ok := active.states[pos.Symbol]
		if !ok {
			continue
		}
		state.PositionActive = false
		if state.Phase == schema.PhaseZE1Active {
			state.Phase = schema.PhaseIdle
			state.SignalStartTime = time.Time{}
		}
	}
	e.mu.Unlock()
	return nil
}

// evaluateSymbolLocked runs one evaluation pass for every strategy active on
// the symbol. At most one phase transition happens per strategy per pass;
// the Emergency group is always checked first and is phase-independent.
func (e *Evaluator) evaluateSymbolLocked(symbol string, now time.Time) []*schema.Signal {
	var signals []*schema.Signal
	values := e.values[symbol]

	for _, active := range e.strategies {
		strat := active.strategy
		if !strat.Enabled {
			continue
		}
		state, ok := active.states[symbol]
		if !ok {
			continue
		}

		if fired, met := evalGroup(strat.Emergency, values); fired && !now.Before(state.EmergencyCooldownUntil) {
			if strat.EmergencyCooldown > 0 {
				state.EmergencyCooldownUntil = now.Add(strat.EmergencyCooldown)
			}
			signals = append(signals, e.buildSignal(strat, symbol, schema.SectionEmergency, schema.ActionClose, met, values, now))
		}

		switch state.Phase {
		case schema.PhaseIdle:
			if fired, met := evalGroup(strat.S1, values); fired {
				state.Phase = schema.PhaseS1Active
				state.SignalStartTime = now
				signals = append(signals, e.buildSignal(strat, symbol, schema.SectionS1, schema.ActionLockSymbol, met, values, now))
			}
		case schema.PhaseS1Active:
			if sig := e.checkCancelLocked(strat, symbol, state, values, now); sig != nil {
				signals = append(signals, sig)
				break
			}
			if fired, met := evalGroup(strat.Z1, values); fired {
				state.Phase = schema.PhaseZ1Active
				state.OrderPlacedTime = now
				state.PositionActive = true
				signals = append(signals, e.buildSignal(strat, symbol, schema.SectionZ1, entryAction(strat.Direction), met, values, now))
			}
		case schema.PhaseZ1Active:
			if sig := e.checkCancelLocked(strat, symbol, state, values, now); sig != nil {
				signals = append(signals, sig)
				break
			}
			if fired, met := evalGroup(strat.ZE1, values); fired {
				state.Phase = schema.PhaseZE1Active
				signals = append(signals, e.buildSignal(strat, symbol, schema.SectionZE1, schema.ActionClose, met, values, now))
			}
		case schema.PhaseZE1Active:
			// Waiting for position_closed to reset the machine.
		}
	}
	return signals
}

// checkCancelLocked fires O1 when the group evaluates true or the cancel
// timeout elapsed since the signal started.
func (e *Evaluator) checkCancelLocked(strat schema.Strategy, symbol string, state *schema.SymbolState, values map[string]float64, now time.Time) *schema.Signal {
	fired, met := evalGroup(strat.O1, values)
	timedOut := strat.CancelTimeout > 0 &&
		!state.SignalStartTime.IsZero() &&
		now.Sub(state.SignalStartTime) >= strat.CancelTimeout
	if !fired && !timedOut {
		return nil
	}
	state.Phase = schema.PhaseIdle
	state.SignalStartTime = time.Time{}
	state.PositionActive = false
	sig := e.buildSignal(strat, symbol, schema.SectionO1, schema.ActionCancel, met, values, now)
	if timedOut && !fired {
		sig.Metadata = map[string]any{"reason": "timeout"}
	}
	return sig
}

func (e *Evaluator) buildSignal(strat schema.Strategy, symbol string, section schema.SectionName, action schema.SignalAction, met []string, values map[string]float64, now time.Time) *schema.Signal {
	snapshot := make(map[string]float64)
	for _, id := range strat.IndicatorIDs() {
		if v, ok := values[id]; ok {
			snapshot[id] = v
		}
	}
	return &schema.Signal{
		StrategyID:      strat.ID,
		Symbol:          symbol,
		SignalType:      section,
		Triggered:       true,
		ConditionsMet:   met,
		IndicatorValues: snapshot,
		Action:          action,
		Timestamp:       now,
	}
}

func (e *Evaluator) publish(ctx context.Context, signals []*schema.Signal) {
	for _, sig := range signals {
		err := e.bus.Publish(ctx, schema.TopicSignalGenerated, map[string]any{"signal": sig})
		if err != nil {
			observability.Log().Warn("signal publish failed",
				observability.F("strategy_id", sig.StrategyID),
				observability.F("symbol", sig.Symbol),
				observability.F("error", err.Error()))
		}
	}
}

func entryAction(direction schema.Direction) schema.SignalAction {
	if direction == schema.DirectionShort {
		return schema.ActionSell
	}
	return schema.ActionBuy
}
