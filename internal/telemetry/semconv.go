// Package telemetry provides semantic conventions for tradecore observability.
package telemetry

import (
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tradecore-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrTopic annotates bus metrics with the canonical topic name.
	AttrTopic = attribute.Key("bus.topic")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTC_USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrIndicator labels indicator metrics with the base type name.
	AttrIndicator = attribute.Key("indicator.type")
	// AttrSessionMode differentiates BACKTEST/LIVE/PAPER/DATA_COLLECTION sessions.
	AttrSessionMode = attribute.Key("session.mode")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderState captures the order lifecycle state (NEW, FILLED, REJECTED, ...).
	AttrOrderState = attribute.Key("order.state")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

var (
	envOnce  sync.Once
	envValue string
)

// Environment reports the deployment environment tag used on every metric.
func Environment() string {
	envOnce.Do(func() {
		envValue = strings.ToLower(strings.TrimSpace(os.Getenv("TRADECORE_ENV")))
		if envValue == "" {
			envValue = "dev"
		}
	})
	return envValue
}

// TopicAttributes returns common attributes for bus metrics.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTopic.String(topic),
	}
}

// IndicatorAttributes returns attributes for indicator engine metrics.
func IndicatorAttributes(symbol, indicatorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
		AttrIndicator.String(indicatorType),
	}
}

// ResultAttributes returns attributes describing an operation outcome.
func ResultAttributes(result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrResult.String(result),
	}
}
