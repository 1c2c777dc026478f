package indicator

import (
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// Windowed price aggregates: TWPA, VWAP, MAX_PRICE, MIN_PRICE.

func registerPriceTypes(r *Registry) {
	windowParams := []ParamSpec{
		{Name: "t1", Kind: ParamFloat, Required: true},
		{Name: "t2", Kind: ParamFloat, Default: float64(0)},
	}
	r.Register(BaseType{
		Name:     "TWPA",
		Category: "price",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &twpaCalc{window: windowFromParams("TWPA", p, "")}, nil
		},
	})
	r.Register(BaseType{
		Name:     "VWAP",
		Category: "price",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &vwapCalc{window: windowFromParams("VWAP", p, "")}, nil
		},
	})
	r.Register(BaseType{
		Name:     "MAX_PRICE",
		Category: "price",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &extremumCalc{window: windowFromParams("MAX_PRICE", p, ""), max: true}, nil
		},
	})
	r.Register(BaseType{
		Name:     "MIN_PRICE",
		Category: "price",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &extremumCalc{window: windowFromParams("MIN_PRICE", p, ""), max: false}, nil
		},
	})
}

// twpaCalc computes the time-weighted price average. Each tick's price is
// weighted by the interval it remained the latest print: the gap to the next
// tick, or to the window end for the final tick.
type twpaCalc struct {
	window Window
}

func (c *twpaCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	ticks := view.Ticks(from, to)
	v, ok := timeWeightedPrice(ticks, to)
	if !ok {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, v, sampleConfidence(len(ticks)))
}

func timeWeightedPrice(ticks []schema.Tick, windowEnd time.Time) (float64, bool) {
	if len(ticks) == 0 {
		return 0, false
	}
	var weighted, total float64
	for i, t := range ticks {
		var dt float64
		if i+1 < len(ticks) {
			dt = ticks[i+1].Timestamp.Sub(t.Timestamp).Seconds()
		} else {
			dt = windowEnd.Sub(t.Timestamp).Seconds()
		}
		if dt <= 0 {
			continue
		}
		weighted += t.Price * dt
		total += dt
	}
	if total <= 0 {
		// All ticks share one timestamp; fall back to the last print.
		return ticks[len(ticks)-1].Price, true
	}
	return weighted / total, true
}

type vwapCalc struct {
	window Window
}

func (c *vwapCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	ticks := view.Ticks(from, to)
	if len(ticks) == 0 {
		return schema.NullIndicatorValue(now)
	}
	var weighted, volume float64
	for _, t := range ticks {
		weighted += t.Price * t.Volume
		volume += t.Volume
	}
	if volume <= 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, weighted/volume, sampleConfidence(len(ticks)))
}

type extremumCalc struct {
	window Window
	max    bool
}

func (c *extremumCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	ticks := view.Ticks(from, to)
	if len(ticks) == 0 {
		return schema.NullIndicatorValue(now)
	}
	best := ticks[0].Price
	for _, t := range ticks[1:] {
		if c.max && t.Price > best || !c.max && t.Price < best {
			best = t.Price
		}
	}
	return schema.NewIndicatorValue(now, best, sampleConfidence(len(ticks)))
}

// sampleConfidence scales confidence by sample count, saturating at 10 points.
func sampleConfidence(n int) float64 {
	if n >= 10 {
		return 1
	}
	return float64(n) / 10
}
