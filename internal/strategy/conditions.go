// Package strategy maintains per-(strategy, symbol) signal state machines and
// translates indicator updates into trading signals.
package strategy

import (
	"fmt"
	"math"

	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// equalityEpsilon bounds float equality for the == operator.
const equalityEpsilon = 1e-9

// evalGroup interprets an ordered condition list left-to-right.
//
// The connector on condition i controls how its result folds into the running
// accumulator; condition 0 initialises the accumulator. NOT inverts the
// condition's own result and folds with AND. Short-circuit: a false
// accumulator under a pending AND returns false, a true accumulator under a
// pending OR returns true. An empty group never fires.
func evalGroup(conds []schema.Condition, values map[string]float64) (bool, []string) {
	if len(conds) == 0 {
		return false, nil
	}
	var met []string
	acc := false
	for i, cond := range conds {
		if i > 0 {
			switch cond.Logic {
			case schema.ConnectorOr:
				if acc {
					return true, met
				}
			default: // AND and NOT fold with AND
				if !acc {
					return false, met
				}
			}
		}

		res := evalCondition(cond, values)
		if res {
			met = append(met, conditionLabel(cond))
		}
		if cond.Logic == schema.ConnectorNot {
			res = !res
		}

		switch {
		case i == 0:
			acc = res
		case cond.Logic == schema.ConnectorOr:
			acc = acc || res
		default:
			acc = acc && res
		}
	}
	return acc, met
}

// evalCondition compares the indicator's latest value against the threshold.
// A missing indicator value evaluates false; it never raises.
func evalCondition(cond schema.Condition, values map[string]float64) bool {
	v, ok := values[cond.IndicatorID]
	if !ok {
		return false
	}
	switch cond.Operator {
	case schema.OpGreater:
		return v > cond.Value
	case schema.OpLess:
		return v < cond.Value
	case schema.OpGreaterEqual:
		return v >= cond.Value
	case schema.OpLessEqual:
		return v <= cond.Value
	case schema.OpEqual:
		return math.Abs(v-cond.Value) <= equalityEpsilon
	default:
		observability.Log().Warn("malformed condition operator",
			observability.F("operator", string(cond.Operator)),
			observability.F("indicator_id", cond.IndicatorID))
		return false
	}
}

func conditionLabel(cond schema.Condition) string {
	return fmt.Sprintf("%s%s%g", cond.IndicatorID, cond.Operator, cond.Value)
}
