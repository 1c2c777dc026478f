package indicator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
	"github.com/quantfabric/tradecore/internal/telemetry"
)

// Sink receives computed observations for persistence. The engine never
// forwards null values. Implementations must not block the caller.
type Sink interface {
	Record(row store.IndicatorRow)
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	// BufferCapacity caps each per-symbol ring buffer.
	BufferCapacity int
	// Now supplies wall time for time-driven computation.
	Now func() time.Time
}

func (c EngineConfig) normalize() EngineConfig {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = defaultBufferCapacity
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// runtimeIndicator is one variant bound to a (session, symbol) pair.
type runtimeIndicator struct {
	sessionID string
	symbol    string
	variant   schema.IndicatorVariant
	comp      *sharedComputation
	// interval > 0 places the indicator on the time-driven scheduler;
	// zero means event-driven recomputation on every inbound update.
	interval time.Duration
}

// sharedComputation is the calculation instance shared by variants with
// identical (base_type, parameters) on the same symbol. The memo ensures one
// evaluation per observation timestamp regardless of how many variants share.
type sharedComputation struct {
	calc Calculator

	mu       sync.Mutex
	memoAt   time.Time
	memoVal  *schema.IndicatorValue
	refCount int
}

func (c *sharedComputation) compute(now time.Time, view MarketView) *schema.IndicatorValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memoVal != nil && c.memoAt.Equal(now) {
		return c.memoVal
	}
	v := c.calc.Compute(now, view)
	c.memoAt = now
	c.memoVal = v
	return v
}

// symbolView adapts the engine's per-symbol buffers to MarketView.
type symbolView struct {
	ticks *seriesBuffer
	books *bookBuffer
}

func (v symbolView) Ticks(from, to time.Time) []schema.Tick {
	if v.ticks == nil {
		return nil
	}
	return v.ticks.Window(from, to)
}

func (v symbolView) Books(from, to time.Time) []schema.OrderbookSnapshot {
	if v.books == nil {
		return nil
	}
	return v.books.Window(from, to)
}

// Engine owns the per-symbol buffers and runtime indicator index. Market data
// for a symbol is ignored until AddIndicatorToSession registers at least one
// indicator for it.
type Engine struct {
	bus      bus.Bus
	registry *Registry
	variants *VariantRegistry
	sink     Sink
	cfg      EngineConfig

	mu           sync.RWMutex
	ticks        map[string]*seriesBuffer
	books        map[string]*bookBuffer
	bySymbol     map[string][]*runtimeIndicator
	computations map[string]*sharedComputation // keyed symbol + "\x00" + computation key
	subs         []engineSub

	valuesCounter metric.Int64Counter
}

type engineSub struct {
	topic string
	id    bus.SubscriptionID
}

// NewEngine wires the engine over the bus and registries. A nil sink disables
// persistence forwarding.
func NewEngine(b bus.Bus, registry *Registry, variants *VariantRegistry, sink Sink, cfg EngineConfig) *Engine {
	e := &Engine{
		bus:          b,
		registry:     registry,
		variants:     variants,
		sink:         sink,
		cfg:          cfg.normalize(),
		ticks:        make(map[string]*seriesBuffer),
		books:        make(map[string]*bookBuffer),
		bySymbol:     make(map[string][]*runtimeIndicator),
		computations: make(map[string]*sharedComputation),
	}
	variants.SetDeleteHook(e.removeVariant)
	meter := otel.Meter("tradecore.indicator")
	counter, err := meter.Int64Counter("tradecore_indicator_values_total",
		metric.WithDescription("Indicator observations produced"),
		metric.WithUnit("{value}"))
	if err == nil {
		e.valuesCounter = counter
	}
	return e
}

// Attach subscribes the engine to the market data topics.
func (e *Engine) Attach() error {
	for topic, handler := range map[string]bus.Handler{
		schema.TopicPriceUpdate:     e.onPriceUpdate,
		schema.TopicOrderbookUpdate: e.onOrderbookUpdate,
	} {
		id, err := e.bus.Subscribe(topic, handler)
		if err != nil {
			e.Detach()
			return err
		}
		e.mu.Lock()
		e.subs = append(e.subs, engineSub{topic: topic, id: id})
		e.mu.Unlock()
	}
	return nil
}

// Detach unsubscribes the engine from the bus.
func (e *Engine) Detach() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, s := range subs {
		e.bus.Unsubscribe(s.topic, s.id)
	}
}

// AddIndicatorToSession registers a runtime indicator for the symbol. This is
// the only path that makes the engine process market data for a symbol.
func (e *Engine) AddIndicatorToSession(sessionID, symbol, variantID string) error {
	if err := schema.ValidateSymbol(symbol); err != nil {
		return err
	}
	variant, err := e.variants.Get(variantID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ri := range e.bySymbol[symbol] {
		if ri.sessionID == sessionID && ri.variant.ID == variantID {
			return nil // already bound
		}
	}

	compKey := symbol + "\x00" + variant.ComputationKey()
	comp, ok := e.computations[compKey]
	if !ok {
		calc, err := e.registry.NewCalculator(variant.BaseType, variant.Parameters)
		if err != nil {
			return err
		}
		comp = &sharedComputation{calc: calc}
		e.computations[compKey] = comp
	}
	comp.refCount++

	interval := time.Duration(0)
	if params := Params(variant.Parameters); params.Float("interval", 0) > 0 {
		interval = time.Duration(params.Float("interval", 0) * float64(time.Second))
	}

	e.bySymbol[symbol] = append(e.bySymbol[symbol], &runtimeIndicator{
		sessionID: sessionID,
		symbol:    symbol,
		variant:   variant,
		comp:      comp,
		interval:  interval,
	})
	if _, ok := e.ticks[symbol]; !ok {
		e.ticks[symbol] = newSeriesBuffer(e.cfg.BufferCapacity)
	}
	if _, ok := e.books[symbol]; !ok {
		e.books[symbol] = newBookBuffer(e.cfg.BufferCapacity)
	}

	observability.Log().Debug("indicator bound",
		observability.F("session_id", sessionID),
		observability.F("symbol", symbol),
		observability.F("variant_id", variantID))
	return nil
}

// RemoveSession unbinds every runtime indicator registered by the session and
// releases buffers for symbols left without indicators.
func (e *Engine) RemoveSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, list := range e.bySymbol {
		kept := list[:0]
		for _, ri := range list {
			if ri.sessionID == sessionID {
				e.releaseComputationLocked(ri)
				continue
			}
			kept = append(kept, ri)
		}
		e.finishSymbolLocked(symbol, kept)
	}
}

// removeVariant is the VariantRegistry delete hook.
func (e *Engine) removeVariant(variantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, list := range e.bySymbol {
		kept := list[:0]
		for _, ri := range list {
			if ri.variant.ID == variantID {
				e.releaseComputationLocked(ri)
				continue
			}
			kept = append(kept, ri)
		}
		e.finishSymbolLocked(symbol, kept)
	}
}

func (e *Engine) releaseComputationLocked(ri *runtimeIndicator) {
	compKey := ri.symbol + "\x00" + ri.variant.ComputationKey()
	if comp, ok := e.computations[compKey]; ok {
		comp.refCount--
		if comp.refCount <= 0 {
			delete(e.computations, compKey)
		}
	}
}

func (e *Engine) finishSymbolLocked(symbol string, kept []*runtimeIndicator) {
	if len(kept) == 0 {
		delete(e.bySymbol, symbol)
		delete(e.ticks, symbol)
		delete(e.books, symbol)
		return
	}
	e.bySymbol[symbol] = kept
}

// IndicatorsForSymbol returns the variant ids currently bound to the symbol.
func (e *Engine) IndicatorsForSymbol(symbol string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.bySymbol[symbol]
	ids := make([]string, 0, len(list))
	for _, ri := range list {
		ids = append(ids, ri.variant.ID)
	}
	return ids
}

func (e *Engine) onPriceUpdate(ctx context.Context, _ string, data map[string]any) error {
	tick, ok := data["tick"].(*schema.Tick)
	if !ok || tick == nil {
		return errs.New("indicator/price_update", errs.CodeInvalid, errs.WithMessage("payload missing tick"))
	}
	e.mu.RLock()
	buf := e.ticks[tick.Symbol]
	e.mu.RUnlock()
	if buf == nil {
		return nil // symbol not registered
	}
	if !buf.Append(*tick) {
		observability.Log().Debug("tick discarded: timestamp regression",
			observability.F("symbol", tick.Symbol))
		return nil
	}
	// Observation time is data time so replay computes against replayed clocks.
	e.computeSymbol(ctx, tick.Symbol, tick.Timestamp, false)
	return nil
}

func (e *Engine) onOrderbookUpdate(ctx context.Context, _ string, data map[string]any) error {
	book, ok := data["orderbook"].(*schema.OrderbookSnapshot)
	if !ok || book == nil {
		return errs.New("indicator/orderbook_update", errs.CodeInvalid, errs.WithMessage("payload missing orderbook"))
	}
	e.mu.RLock()
	buf := e.books[book.Symbol]
	e.mu.RUnlock()
	if buf == nil {
		return nil
	}
	if !buf.Append(*book) {
		return nil
	}
	e.computeSymbol(ctx, book.Symbol, book.Timestamp, false)
	return nil
}

// ComputeScheduled recomputes the symbol's time-driven indicators at now.
// The scheduler calls this on each cadence tick.
func (e *Engine) ComputeScheduled(ctx context.Context, symbol string, now time.Time) {
	e.computeSymbol(ctx, symbol, now, true)
}

// ScheduledSymbols returns symbols holding at least one time-driven indicator,
// with the smallest declared cadence per symbol.
func (e *Engine) ScheduledSymbols() map[string]time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]time.Duration)
	for symbol, list := range e.bySymbol {
		for _, ri := range list {
			if ri.interval <= 0 {
				continue
			}
			if cur, ok := out[symbol]; !ok || ri.interval < cur {
				out[symbol] = ri.interval
			}
		}
	}
	return out
}

func (e *Engine) computeSymbol(ctx context.Context, symbol string, now time.Time, scheduledOnly bool) {
	e.mu.RLock()
	list := append([]*runtimeIndicator(nil), e.bySymbol[symbol]...)
	view := symbolView{ticks: e.ticks[symbol], books: e.books[symbol]}
	e.mu.RUnlock()

	for _, ri := range list {
		if scheduledOnly != (ri.interval > 0) {
			continue
		}
		value := ri.comp.compute(now, view)
		e.emit(ctx, ri, value)
	}
}

func (e *Engine) emit(ctx context.Context, ri *runtimeIndicator, value *schema.IndicatorValue) {
	result := "value"
	if value.IsNull() {
		result = "null"
	}
	if e.valuesCounter != nil {
		e.valuesCounter.Add(ctx, 1,
			metric.WithAttributes(
				telemetry.AttrIndicator.String(ri.variant.BaseType),
				telemetry.AttrResult.String(result),
				telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	err := e.bus.Publish(ctx, schema.TopicIndicatorUpdated, map[string]any{
		"symbol":         ri.symbol,
		"indicator_id":   ri.variant.ID,
		"indicator_type": ri.variant.BaseType,
		"value":          value,
	})
	if err != nil {
		observability.Log().Warn("indicator publish failed",
			observability.F("symbol", ri.symbol),
			observability.F("variant_id", ri.variant.ID),
			observability.F("error", err.Error()))
	}

	// Nulls are emitted on the bus but never persisted.
	if e.sink == nil || value.IsNull() {
		return
	}
	scalar, _ := value.Float()
	e.sink.Record(store.IndicatorRow{
		SessionID:     ri.sessionID,
		Symbol:        ri.symbol,
		IndicatorID:   ri.variant.ID,
		IndicatorType: ri.variant.BaseType,
		IndicatorName: string(ri.variant.VariantType),
		Timestamp:     value.Timestamp,
		Value:         scalar,
		Confidence:    value.Confidence,
		Metadata:      value.Metadata,
	})
}
