package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// VariantType classifies how a strategy consumes an indicator variant.
type VariantType string

const (
	// VariantGeneral marks a variant usable by any condition group.
	VariantGeneral VariantType = "general"
	// VariantRisk marks a variant feeding risk/emergency conditions.
	VariantRisk VariantType = "risk"
	// VariantPrice marks a variant used for entry price references.
	VariantPrice VariantType = "price"
	// VariantStopLoss marks a variant driving stop-loss placement.
	VariantStopLoss VariantType = "stop_loss"
	// VariantTakeProfit marks a variant driving take-profit placement.
	VariantTakeProfit VariantType = "take_profit"
	// VariantCloseOrder marks a variant driving close-order sizing.
	VariantCloseOrder VariantType = "close_order"
)

// Valid reports whether the variant type is one of the known classifications.
func (v VariantType) Valid() bool {
	switch v {
	case VariantGeneral, VariantRisk, VariantPrice, VariantStopLoss, VariantTakeProfit, VariantCloseOrder:
		return true
	default:
		return false
	}
}

// IndicatorVariant is an immutable parameterised instance of a base indicator type.
// Two variants sharing identical (BaseType, Parameters) may share computation.
type IndicatorVariant struct {
	ID          string         `json:"id"`
	BaseType    string         `json:"base_type"`
	VariantType VariantType    `json:"variant_type"`
	Parameters  map[string]any `json:"parameters"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ComputationKey returns a deterministic key identifying the shared calculation
// for all variants with identical base type and parameters.
func (v IndicatorVariant) ComputationKey() string {
	keys := make([]string, 0, len(v.Parameters))
	for k := range v.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(v.BaseType)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, v.Parameters[k])
	}
	return b.String()
}

// IndicatorValue is a single computed indicator observation.
// A nil Value marks a null observation: emitted on the bus but never persisted.
type IndicatorValue struct {
	Timestamp  time.Time      `json:"timestamp"`
	Value      *float64       `json:"value"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsNull reports whether the observation carries no value.
func (v *IndicatorValue) IsNull() bool {
	return v == nil || v.Value == nil
}

// Float returns the scalar value, or 0 with false for null observations.
func (v *IndicatorValue) Float() (float64, bool) {
	if v.IsNull() {
		return 0, false
	}
	return *v.Value, true
}

// NewIndicatorValue builds a non-null observation.
func NewIndicatorValue(ts time.Time, value float64, confidence float64) *IndicatorValue {
	v := value
	return &IndicatorValue{Timestamp: ts, Value: &v, Confidence: confidence, Metadata: nil}
}

// NullIndicatorValue builds a null observation, used when a window holds no data.
func NullIndicatorValue(ts time.Time) *IndicatorValue {
	return &IndicatorValue{Timestamp: ts, Value: nil, Confidence: 0, Metadata: nil}
}
