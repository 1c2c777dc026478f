package indicator

import (
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/schema"
)

// SCRIPTED evaluates an operator-supplied JavaScript snippet against the
// window's ticks. The script must define compute(ctx); ctx carries
// {now, ticks: [{timestamp, price, volume}]} with timestamps in epoch
// seconds. Returning null or undefined yields a null observation.

func registerScriptedType(r *Registry) {
	r.Register(BaseType{
		Name:     "SCRIPTED",
		Category: "scripted",
		Params: []ParamSpec{
			{Name: "script", Kind: ParamString, Required: true},
			{Name: "t1", Kind: ParamFloat, Required: true},
			{Name: "t2", Kind: ParamFloat, Default: float64(0)},
		},
		New: newScriptedCalc,
	})
}

type scriptedCalc struct {
	window Window

	mu      sync.Mutex
	rt      *goja.Runtime
	compute goja.Callable
}

func newScriptedCalc(p Params) (Calculator, error) {
	source := p.String("script", "")
	program, err := goja.Compile("indicator.js", source, true)
	if err != nil {
		return nil, errs.New("indicator/scripted", errs.CodeInvalid,
			errs.WithCause(err),
			errs.WithMessage("script does not compile"))
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New("indicator/scripted", errs.CodeInvalid,
			errs.WithCause(err),
			errs.WithMessage("script failed to initialise"))
	}
	compute, ok := goja.AssertFunction(rt.Get("compute"))
	if !ok {
		return nil, errs.New("indicator/scripted", errs.CodeInvalid,
			errs.WithMessage("script must define compute(ctx)"))
	}
	return &scriptedCalc{
		window:  windowFromParams("SCRIPTED", p, ""),
		rt:      rt,
		compute: compute,
	}, nil
}

type scriptTick struct {
	Timestamp float64 `json:"timestamp"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
}

func (c *scriptedCalc) Compute(now time.Time, view MarketView) (out *schema.IndicatorValue) {
	from, to := c.window.Resolve(now)
	ticks := view.Ticks(from, to)
	scriptTicks := make([]scriptTick, len(ticks))
	for i, t := range ticks {
		scriptTicks[i] = scriptTick{
			Timestamp: float64(t.Timestamp.UnixNano()) / 1e9,
			Price:     t.Price,
			Volume:    t.Volume,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		// goja panics when the script throws outside compute's error path.
		if rec := recover(); rec != nil {
			observability.Log().Warn("scripted indicator panicked",
				observability.F("panic", rec))
			out = schema.NullIndicatorValue(now)
		}
	}()

	ctxObj := c.rt.NewObject()
	_ = ctxObj.Set("now", float64(now.UnixNano())/1e9)
	_ = ctxObj.Set("ticks", scriptTicks)

	result, err := c.compute(goja.Undefined(), ctxObj)
	if err != nil {
		observability.Log().Warn("scripted indicator failed",
			observability.F("error", err.Error()))
		return schema.NullIndicatorValue(now)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, result.ToFloat(), 1)
}
