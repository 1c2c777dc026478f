package indicator

import (
	"math"
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// Composite risk family: MOMENTUM_REVERSAL_INDEX, DUMP_EXHAUSTION_SCORE,
// LIQUIDITY_DRAIN_INDEX. Each blends price, volume and orderbook features
// into a bounded score.

func registerCompositeTypes(r *Registry) {
	dualWindowParams := []ParamSpec{
		{Name: "t1", Kind: ParamFloat, Required: true},
		{Name: "t2", Kind: ParamFloat, Default: float64(0)},
		{Name: "baseline_t1", Kind: ParamFloat, Required: true},
		{Name: "baseline_t2", Kind: ParamFloat, Default: float64(0)},
	}
	r.Register(BaseType{
		Name:     "MOMENTUM_REVERSAL_INDEX",
		Category: "composite",
		Params:   dualWindowParams,
		New: func(p Params) (Calculator, error) {
			return &momentumReversalCalc{
				current:  windowFromParams("MOMENTUM_REVERSAL_INDEX", p, ""),
				baseline: windowFromParams("MOMENTUM_REVERSAL_INDEX", p, "baseline_"),
			}, nil
		},
	})
	r.Register(BaseType{
		Name:     "DUMP_EXHAUSTION_SCORE",
		Category: "composite",
		Params:   dualWindowParams,
		New: func(p Params) (Calculator, error) {
			return &dumpExhaustionCalc{
				current:  windowFromParams("DUMP_EXHAUSTION_SCORE", p, ""),
				baseline: windowFromParams("DUMP_EXHAUSTION_SCORE", p, "baseline_"),
			}, nil
		},
	})
	r.Register(BaseType{
		Name:     "LIQUIDITY_DRAIN_INDEX",
		Category: "composite",
		Params:   dualWindowParams,
		New: func(p Params) (Calculator, error) {
			return &liquidityDrainCalc{
				current:  windowFromParams("LIQUIDITY_DRAIN_INDEX", p, ""),
				baseline: windowFromParams("LIQUIDITY_DRAIN_INDEX", p, "baseline_"),
			}, nil
		},
	})
}

// momentumReversalCalc scores how strongly recent momentum opposes the
// baseline trend, scaled by volume surge. Output is bounded to [-1, 1].
type momentumReversalCalc struct {
	current  Window
	baseline Window
}

func (c *momentumReversalCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	curSlope, okCur := slope(view, c.current, now)
	baseSlope, okBase := slope(view, c.baseline, now)
	if !okCur || !okBase {
		return schema.NullIndicatorValue(now)
	}
	surge := volumeRatio(view, c.current, c.baseline, now)
	// Opposing slopes score positive, aligned slopes negative.
	raw := -curSlope * baseSlope * surge
	return schema.NewIndicatorValue(now, math.Tanh(raw), 1)
}

// dumpExhaustionCalc scores a falling market whose selling volume is fading:
// the steeper the baseline decline and the lower the current volume rate
// relative to baseline, the closer to 1.
type dumpExhaustionCalc struct {
	current  Window
	baseline Window
}

func (c *dumpExhaustionCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	baseSlope, ok := slope(view, c.baseline, now)
	if !ok {
		return schema.NullIndicatorValue(now)
	}
	if baseSlope >= 0 {
		return schema.NewIndicatorValue(now, 0, 1)
	}
	surge := volumeRatio(view, c.current, c.baseline, now)
	if surge <= 0 {
		return schema.NullIndicatorValue(now)
	}
	fade := 1 / (1 + surge)
	drop := math.Tanh(-baseSlope)
	return schema.NewIndicatorValue(now, drop*fade, 1)
}

// liquidityDrainCalc is the relative loss of book depth versus baseline:
// 0 when depth held steady, approaching 1 as the book empties.
type liquidityDrainCalc struct {
	current  Window
	baseline Window
}

func (c *liquidityDrainCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	curFrom, curTo := c.current.Resolve(now)
	baseFrom, baseTo := c.baseline.Resolve(now)
	cur := avgLiquidity(view.Books(curFrom, curTo))
	base := avgLiquidity(view.Books(baseFrom, baseTo))
	if base <= 0 || cur < 0 {
		return schema.NullIndicatorValue(now)
	}
	drain := 1 - cur/base
	if drain < 0 {
		drain = 0
	}
	return schema.NewIndicatorValue(now, drain, 1)
}

func slope(view MarketView, w Window, now time.Time) (float64, bool) {
	from, to := w.Resolve(now)
	ticks := view.Ticks(from, to)
	if len(ticks) < 2 {
		return 0, false
	}
	first, last := ticks[0], ticks[len(ticks)-1]
	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 || first.Price == 0 {
		return 0, false
	}
	// Relative slope, fraction of price per second.
	return (last.Price - first.Price) / first.Price / dt, true
}

func volumeRatio(view MarketView, current, baseline Window, now time.Time) float64 {
	curFrom, curTo := current.Resolve(now)
	baseFrom, baseTo := baseline.Resolve(now)
	curSpan := current.Span().Seconds()
	baseSpan := baseline.Span().Seconds()
	if curSpan <= 0 || baseSpan <= 0 {
		return 0
	}
	base := sumVolume(view.Ticks(baseFrom, baseTo)) / baseSpan
	if base <= 0 {
		return 0
	}
	return (sumVolume(view.Ticks(curFrom, curTo)) / curSpan) / base
}

func avgLiquidity(books []schema.OrderbookSnapshot) float64 {
	if len(books) == 0 {
		return -1
	}
	var sum float64
	for i := range books {
		sum += depth(books[i].Bids) + depth(books[i].Asks)
	}
	return sum / float64(len(books))
}
