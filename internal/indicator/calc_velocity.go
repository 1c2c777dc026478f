package indicator

import (
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// Velocity and volume families: VELOCITY, PRICE_VELOCITY, VELOCITY_CASCADE,
// VOLUME_SURGE, VOLUME_ACCELERATION.

func registerVelocityTypes(r *Registry) {
	dualWindowParams := []ParamSpec{
		{Name: "t1", Kind: ParamFloat, Required: true},
		{Name: "t2", Kind: ParamFloat, Default: float64(0)},
		{Name: "baseline_t1", Kind: ParamFloat, Required: true},
		{Name: "baseline_t2", Kind: ParamFloat, Default: float64(0)},
	}
	r.Register(BaseType{
		Name:     "VELOCITY",
		Category: "velocity",
		Params:   dualWindowParams,
		New: func(p Params) (Calculator, error) {
			return &velocityCalc{
				current:  windowFromParams("VELOCITY", p, ""),
				baseline: windowFromParams("VELOCITY", p, "baseline_"),
			}, nil
		},
	})
	r.Register(BaseType{
		Name:     "PRICE_VELOCITY",
		Category: "velocity",
		Params: []ParamSpec{
			{Name: "t1", Kind: ParamFloat, Required: true},
			{Name: "t2", Kind: ParamFloat, Default: float64(0)},
		},
		New: func(p Params) (Calculator, error) {
			return &priceVelocityCalc{window: windowFromParams("PRICE_VELOCITY", p, "")}, nil
		},
	})
	r.Register(BaseType{
		Name:     "VELOCITY_CASCADE",
		Category: "velocity",
		Params: []ParamSpec{
			{Name: "t1", Kind: ParamFloat, Required: true},
			{Name: "levels", Kind: ParamFloat, Default: float64(3)},
		},
		New: func(p Params) (Calculator, error) {
			levels := int(p.Float("levels", 3))
			if levels < 1 {
				levels = 1
			}
			return &cascadeCalc{base: p.Float("t1", 60), levels: levels}, nil
		},
	})
	r.Register(BaseType{
		Name:     "VOLUME_SURGE",
		Category: "volume",
		Params:   dualWindowParams,
		New: func(p Params) (Calculator, error) {
			return &volumeSurgeCalc{
				current:  windowFromParams("VOLUME_SURGE", p, ""),
				baseline: windowFromParams("VOLUME_SURGE", p, "baseline_"),
			}, nil
		},
	})
	r.Register(BaseType{
		Name:     "VOLUME_ACCELERATION",
		Category: "volume",
		Params:   dualWindowParams,
		New: func(p Params) (Calculator, error) {
			return &volumeAccelCalc{
				current:  windowFromParams("VOLUME_ACCELERATION", p, ""),
				baseline: windowFromParams("VOLUME_ACCELERATION", p, "baseline_"),
			}, nil
		},
	})
}

// velocityCalc compares the time-weighted price of two windows and divides by
// the distance between their midpoints, yielding price change per second.
type velocityCalc struct {
	current  Window
	baseline Window
}

func (c *velocityCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	curFrom, curTo := c.current.Resolve(now)
	baseFrom, baseTo := c.baseline.Resolve(now)
	cur, okCur := timeWeightedPrice(view.Ticks(curFrom, curTo), curTo)
	base, okBase := timeWeightedPrice(view.Ticks(baseFrom, baseTo), baseTo)
	if !okCur || !okBase {
		return schema.NullIndicatorValue(now)
	}
	dt := windowMid(curFrom, curTo).Sub(windowMid(baseFrom, baseTo)).Seconds()
	if dt <= 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, (cur-base)/dt, 1)
}

func windowMid(from, to time.Time) time.Time {
	return from.Add(to.Sub(from) / 2)
}

// priceVelocityCalc is the single-window slope: (last - first) / span.
type priceVelocityCalc struct {
	window Window
}

func (c *priceVelocityCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	ticks := view.Ticks(from, to)
	if len(ticks) < 2 {
		return schema.NullIndicatorValue(now)
	}
	first, last := ticks[0], ticks[len(ticks)-1]
	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, (last.Price-first.Price)/dt, sampleConfidence(len(ticks)))
}

// cascadeCalc averages the single-window slope across doubling window spans.
// Confidence reflects how many cascade levels held enough data.
type cascadeCalc struct {
	base   float64
	levels int
}

func (c *cascadeCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	var sum float64
	var produced int
	span := c.base
	for i := 0; i < c.levels; i++ {
		w, _ := NormalizeWindow(span, 0)
		from, to := w.Resolve(now)
		ticks := view.Ticks(from, to)
		if len(ticks) >= 2 {
			first, last := ticks[0], ticks[len(ticks)-1]
			if dt := last.Timestamp.Sub(first.Timestamp).Seconds(); dt > 0 {
				sum += (last.Price - first.Price) / dt
				produced++
			}
		}
		span *= 2
	}
	if produced == 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, sum/float64(produced), float64(produced)/float64(c.levels))
}

// volumeSurgeCalc is the volume ratio current/baseline; the baseline window is
// normalised to the current span so the ratio compares like against like.
type volumeSurgeCalc struct {
	current  Window
	baseline Window
}

func (c *volumeSurgeCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	curFrom, curTo := c.current.Resolve(now)
	baseFrom, baseTo := c.baseline.Resolve(now)
	cur := sumVolume(view.Ticks(curFrom, curTo))
	base := sumVolume(view.Ticks(baseFrom, baseTo))
	if base <= 0 {
		return schema.NullIndicatorValue(now)
	}
	curSpan := c.current.Span().Seconds()
	baseSpan := c.baseline.Span().Seconds()
	if curSpan <= 0 || baseSpan <= 0 {
		return schema.NullIndicatorValue(now)
	}
	ratio := (cur / curSpan) / (base / baseSpan)
	return schema.NewIndicatorValue(now, ratio, 1)
}

// volumeAccelCalc is the change of volume rate per second between windows.
type volumeAccelCalc struct {
	current  Window
	baseline Window
}

func (c *volumeAccelCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	curFrom, curTo := c.current.Resolve(now)
	baseFrom, baseTo := c.baseline.Resolve(now)
	curSpan := c.current.Span().Seconds()
	baseSpan := c.baseline.Span().Seconds()
	if curSpan <= 0 || baseSpan <= 0 {
		return schema.NullIndicatorValue(now)
	}
	curRate := sumVolume(view.Ticks(curFrom, curTo)) / curSpan
	baseRate := sumVolume(view.Ticks(baseFrom, baseTo)) / baseSpan
	dt := windowMid(curFrom, curTo).Sub(windowMid(baseFrom, baseTo)).Seconds()
	if dt <= 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, (curRate-baseRate)/dt, 1)
}

func sumVolume(ticks []schema.Tick) float64 {
	var total float64
	for _, t := range ticks {
		total += t.Volume
	}
	return total
}
