package schema

import (
	"time"

	"github.com/quantfabric/tradecore/errs"
)

// Operator compares an indicator value against a condition threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// Valid reports whether the operator is one of the supported comparators.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual:
		return true
	default:
		return false
	}
}

// Connector joins a condition's result into the running group accumulator.
type Connector string

const (
	ConnectorAnd Connector = "AND"
	ConnectorOr  Connector = "OR"
	ConnectorNot Connector = "NOT"
)

// Condition is a single comparison inside a condition group.
// The Logic tag controls how the condition combines with the accumulator;
// NOT additionally inverts this condition's own result and combines with AND.
type Condition struct {
	IndicatorID string    `json:"indicator_id"`
	Operator    Operator  `json:"operator"`
	Value       float64   `json:"value"`
	Logic       Connector `json:"logic,omitempty"`
}

// SectionName identifies one of the five strategy condition groups.
type SectionName string

const (
	SectionS1        SectionName = "S1"
	SectionO1        SectionName = "O1"
	SectionZ1        SectionName = "Z1"
	SectionZE1       SectionName = "ZE1"
	SectionEmergency SectionName = "EMERGENCY"
)

// Direction constrains which sides a strategy may trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// Strategy couples the five condition groups driving a symbol state machine.
type Strategy struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Direction Direction   `json:"direction"`
	Enabled   bool        `json:"enabled"`
	S1        []Condition `json:"s1"`
	O1        []Condition `json:"o1"`
	Z1        []Condition `json:"z1"`
	ZE1       []Condition `json:"ze1"`
	Emergency []Condition `json:"emergency"`

	// CancelTimeout bounds how long a signal may stay active before O1 fires
	// on elapsed time alone. Zero disables the timeout path.
	CancelTimeout time.Duration `json:"cancel_timeout,omitempty"`
	// EmergencyCooldown rate-limits emergency closes per (strategy, symbol).
	EmergencyCooldown time.Duration `json:"emergency_cooldown,omitempty"`
}

// Validate checks structural strategy invariants.
func (s *Strategy) Validate() error {
	if s == nil {
		return errs.New("schema/strategy", errs.CodeInvalid, errs.WithMessage("strategy required"))
	}
	if s.ID == "" {
		return errs.New("schema/strategy", errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	switch s.Direction {
	case DirectionLong, DirectionShort, DirectionBoth:
	default:
		return errs.New("schema/strategy", errs.CodeInvalid, errs.WithMessage("unknown direction"), errs.WithField("direction", string(s.Direction)))
	}
	for _, group := range [][]Condition{s.S1, s.O1, s.Z1, s.ZE1, s.Emergency} {
		for _, cond := range group {
			if cond.IndicatorID == "" {
				return errs.New("schema/strategy", errs.CodeInvalid, errs.WithMessage("condition missing indicator id"))
			}
			if !cond.Operator.Valid() {
				return errs.New("schema/strategy", errs.CodeInvalid, errs.WithMessage("unknown operator"), errs.WithField("operator", string(cond.Operator)))
			}
		}
	}
	return nil
}

// IndicatorIDs returns the distinct indicator variant ids referenced by any group.
func (s *Strategy) IndicatorIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, group := range [][]Condition{s.Emergency, s.S1, s.O1, s.Z1, s.ZE1} {
		for _, cond := range group {
			if _, ok := seen[cond.IndicatorID]; ok {
				continue
			}
			seen[cond.IndicatorID] = struct{}{}
			ids = append(ids, cond.IndicatorID)
		}
	}
	return ids
}

// SymbolPhase enumerates the per-(strategy, symbol) signal states.
type SymbolPhase string

const (
	PhaseIdle      SymbolPhase = "IDLE"
	PhaseS1Active  SymbolPhase = "S1_ACTIVE"
	PhaseZ1Active  SymbolPhase = "Z1_ACTIVE"
	PhaseZE1Active SymbolPhase = "ZE1_ACTIVE"
)

// SymbolState tracks the signal machine for one (strategy, symbol) pair.
type SymbolState struct {
	Phase                  SymbolPhase `json:"state"`
	SignalStartTime        time.Time   `json:"signal_start_time"`
	OrderPlacedTime        time.Time   `json:"order_placed_time"`
	PositionActive         bool        `json:"position_active"`
	EmergencyCooldownUntil time.Time   `json:"emergency_cooldown_until"`
}

// SignalAction describes what downstream components should do with a signal.
type SignalAction string

const (
	ActionBuy        SignalAction = "BUY"
	ActionSell       SignalAction = "SELL"
	ActionCancel     SignalAction = "CANCEL"
	ActionClose      SignalAction = "CLOSE"
	ActionLockSymbol SignalAction = "LOCK_SYMBOL"
)

// Signal is the evaluator's output for a section firing.
type Signal struct {
	StrategyID      string             `json:"strategy_id"`
	Symbol          string             `json:"symbol"`
	SignalType      SectionName        `json:"signal_type"`
	Triggered       bool               `json:"triggered"`
	ConditionsMet   []string           `json:"conditions_met"`
	IndicatorValues map[string]float64 `json:"indicator_values"`
	Action          SignalAction       `json:"action"`
	Timestamp       time.Time          `json:"timestamp"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}
