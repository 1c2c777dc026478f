package schema

// Canonical bus topics. Payloads are map[string]any records; the typed objects
// travel under the documented keys so hot-path handlers avoid re-marshalling.
const (
	// TopicPriceUpdate carries {"symbol": string, "tick": *Tick}.
	TopicPriceUpdate = "market.price_update"
	// TopicOrderbookUpdate carries {"symbol": string, "orderbook": *OrderbookSnapshot}.
	TopicOrderbookUpdate = "market.orderbook_update"
	// TopicPriceBatch carries {"ticks": []*Tick}.
	TopicPriceBatch = "market.price_batch_update"
	// TopicOrderbookBatch carries {"orderbooks": []*OrderbookSnapshot}.
	TopicOrderbookBatch = "market.orderbook_batch_update"

	// TopicIndicatorUpdated carries {"symbol", "indicator_id", "indicator_type", "value": *IndicatorValue}.
	TopicIndicatorUpdated = "indicator.updated"

	// TopicSignalGenerated carries {"signal": *Signal}.
	TopicSignalGenerated = "signal_generated"

	// TopicOrderCreated, TopicOrderFilled and TopicOrderCancelled carry {"order": *Order}.
	TopicOrderCreated   = "order_created"
	TopicOrderFilled    = "order_filled"
	TopicOrderCancelled = "order_cancelled"
	// TopicOrderRejected carries {"order": *Order, "reason": string}.
	TopicOrderRejected = "order_rejected"

	// Position lifecycle topics carry {"position": *Position}.
	TopicPositionOpened  = "position_opened"
	TopicPositionUpdated = "position_updated"
	TopicPositionClosed  = "position_closed"

	// TopicRiskAlert carries {"symbol", "reason", "detail"}.
	TopicRiskAlert = "risk_alert"

	// Execution lifecycle topics carry {"session_id", "mode", "status", ...}.
	TopicSessionStarted   = "execution.session_started"
	TopicSessionPaused    = "execution.session_paused"
	TopicSessionResumed   = "execution.session_resumed"
	TopicSessionCompleted = "execution.session_completed"
	TopicSessionFailed    = "execution.session_failed"
	TopicProgressUpdate   = "execution.progress_update"
	TopicMetricsUpdate    = "execution.metrics_update"

	// Coordinator correlation topics carry {"request_id", "symbol", ...}.
	TopicSubscriptionCheckRequest  = "subscription.check_request"
	TopicSubscriptionCheckResponse = "subscription.check_response"

	// TopicCircuitBreakerChanged carries {"symbol", "state"}.
	TopicCircuitBreakerChanged = "circuit_breaker.state_changed"
)
