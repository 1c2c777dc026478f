package persistence

import (
	"context"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
	"github.com/quantfabric/tradecore/internal/store"
)

const (
	signalWorkers      = 4
	signalQueue        = 256
	recorderDrainLimit = 5 * time.Second
)

// TradingRecorder subscribes to the trading lifecycle topics and mirrors
// signals, orders and positions into the store. Order and position writes
// stay on the dispatch goroutine: failures propagate to the bus so its retry
// schedule re-delivers, and upserts keep redelivery idempotent. Signal inserts
// are append-only and order-independent, so they go through a worker pool and
// fall back to a synchronous write when the pool is saturated.
type TradingRecorder struct {
	bus    bus.Bus
	writer store.TradingWriter
	subs   []recorderSub
	pool   *writerPool
}

type recorderSub struct {
	topic string
	id    bus.SubscriptionID
}

// NewTradingRecorder builds a recorder over the bus and writer.
func NewTradingRecorder(b bus.Bus, writer store.TradingWriter) *TradingRecorder {
	return &TradingRecorder{bus: b, writer: writer}
}

// Attach subscribes the recorder to every trading topic.
func (r *TradingRecorder) Attach() error {
	r.pool = newWriterPool(signalWorkers, signalQueue)
	topics := map[string]bus.Handler{
		schema.TopicSignalGenerated: r.onSignal,
		schema.TopicOrderCreated:    r.onOrder,
		schema.TopicOrderFilled:     r.onOrder,
		schema.TopicOrderCancelled:  r.onOrder,
		schema.TopicOrderRejected:   r.onOrder,
		schema.TopicPositionOpened:  r.onPosition,
		schema.TopicPositionUpdated: r.onPosition,
		schema.TopicPositionClosed:  r.onPosition,
	}
	for topic, handler := range topics {
		id, err := r.bus.Subscribe(topic, handler)
		if err != nil {
			r.Detach()
			return err
		}
		r.subs = append(r.subs, recorderSub{topic: topic, id: id})
	}
	return nil
}

// Detach unsubscribes the recorder and drains the signal pool.
func (r *TradingRecorder) Detach() {
	for _, s := range r.subs {
		r.bus.Unsubscribe(s.topic, s.id)
	}
	r.subs = nil
	if r.pool != nil {
		r.pool.drain(recorderDrainLimit)
	}
}

func (r *TradingRecorder) onSignal(ctx context.Context, _ string, data map[string]any) error {
	sig, ok := data["signal"].(*schema.Signal)
	if !ok || sig == nil {
		return errs.New("persistence/signal", errs.CodeInvalid, errs.WithMessage("payload missing signal"))
	}
	if r.pool != nil && r.pool.trySubmit(func(ctx context.Context) {
		_ = r.insertSignal(ctx, sig)
	}) {
		return nil
	}
	return r.insertSignal(ctx, sig)
}

func (r *TradingRecorder) insertSignal(ctx context.Context, sig *schema.Signal) error {
	if err := r.writer.InsertSignal(ctx, sig); err != nil {
		observability.Log().Warn("signal persist failed",
			observability.F("strategy_id", sig.StrategyID),
			observability.F("symbol", sig.Symbol),
			observability.F("error", err.Error()))
		return err
	}
	return nil
}

func (r *TradingRecorder) onOrder(ctx context.Context, topic string, data map[string]any) error {
	order, ok := data["order"].(*schema.Order)
	if !ok || order == nil {
		return errs.New("persistence/order", errs.CodeInvalid, errs.WithMessage("payload missing order"))
	}
	if err := r.writer.UpsertOrder(ctx, order); err != nil {
		observability.Log().Warn("order persist failed",
			observability.F("topic", topic),
			observability.F("order_id", order.OrderID),
			observability.F("error", err.Error()))
		return err
	}
	return nil
}

func (r *TradingRecorder) onPosition(ctx context.Context, topic string, data map[string]any) error {
	pos, ok := data["position"].(*schema.Position)
	if !ok || pos == nil {
		return errs.New("persistence/position", errs.CodeInvalid, errs.WithMessage("payload missing position"))
	}
	if err := r.writer.UpsertPosition(ctx, pos); err != nil {
		observability.Log().Warn("position persist failed",
			observability.F("topic", topic),
			observability.F("position_id", pos.PositionID),
			observability.F("error", err.Error()))
		return err
	}
	return nil
}
