package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

type staticView struct {
	ticks []schema.Tick
	books []schema.OrderbookSnapshot
}

func (v staticView) Ticks(from, to time.Time) []schema.Tick {
	var out []schema.Tick
	for _, t := range v.ticks {
		if t.Timestamp.After(from) && !t.Timestamp.After(to) {
			out = append(out, t)
		}
	}
	return out
}

func (v staticView) Books(from, to time.Time) []schema.OrderbookSnapshot {
	var out []schema.OrderbookSnapshot
	for _, b := range v.books {
		if b.Timestamp.After(from) && !b.Timestamp.After(to) {
			out = append(out, b)
		}
	}
	return out
}

func mustCalc(t *testing.T, baseType string, params map[string]any) Calculator {
	t.Helper()
	calc, err := NewRegistry().NewCalculator(baseType, params)
	if err != nil {
		t.Fatalf("new %s calculator: %v", baseType, err)
	}
	return calc
}

func TestTWPAWeightsByHoldingTime(t *testing.T) {
	now := time.Unix(1000, 0)
	view := staticView{ticks: []schema.Tick{
		tickAt(now.Add(-10*time.Second), 100, 1), // held 6s (until next tick)
		tickAt(now.Add(-4*time.Second), 200, 1),  // held 4s (until window end)
	}}
	calc := mustCalc(t, "TWPA", map[string]any{"t1": float64(60)})

	v := calc.Compute(now, view)
	got, ok := v.Float()
	if !ok {
		t.Fatal("expected a value")
	}
	want := (100*6 + 200*4) / 10.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("twpa = %v, want %v", got, want)
	}
}

func TestVWAP(t *testing.T) {
	now := time.Unix(1000, 0)
	view := staticView{ticks: []schema.Tick{
		tickAt(now.Add(-30*time.Second), 100, 2),
		tickAt(now.Add(-20*time.Second), 110, 3),
	}}
	calc := mustCalc(t, "VWAP", map[string]any{"t1": float64(60)})

	v := calc.Compute(now, view)
	got, ok := v.Float()
	if !ok {
		t.Fatal("expected a value")
	}
	want := (100*2 + 110*3) / 5.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("vwap = %v, want %v", got, want)
	}
}

func TestEmptyWindowYieldsNull(t *testing.T) {
	now := time.Unix(1000, 0)
	for _, baseType := range []string{"TWPA", "VWAP", "MAX_PRICE", "MIN_PRICE", "PRICE_VELOCITY"} {
		calc := mustCalc(t, baseType, map[string]any{"t1": float64(60)})
		if v := calc.Compute(now, staticView{}); !v.IsNull() {
			t.Fatalf("%s over empty window must be null, got %+v", baseType, v)
		}
	}
}

func TestWindowAutoCorrectInvertedBounds(t *testing.T) {
	// t1=30, t2=120 is inverted; the engine must behave as t1=120, t2=30.
	w, corrected := NormalizeWindow(30, 120)
	if !corrected {
		t.Fatal("inverted window must report correction")
	}
	if w.T1 != 120*time.Second || w.T2 != 30*time.Second {
		t.Fatalf("window = %+v, want t1=120s t2=30s", w)
	}

	now := time.Unix(10_000, 0)
	from, to := w.Resolve(now)
	if !from.Equal(now.Add(-120*time.Second)) || !to.Equal(now.Add(-30*time.Second)) {
		t.Fatalf("resolved bounds = (%v, %v]", from, to)
	}

	// A tick newer than now-30s sits outside the corrected window.
	view := staticView{ticks: []schema.Tick{
		tickAt(now.Add(-60*time.Second), 100, 1),
		tickAt(now.Add(-10*time.Second), 999, 1),
	}}
	calc := mustCalc(t, "MAX_PRICE", map[string]any{"t1": float64(30), "t2": float64(120)})
	v := calc.Compute(now, view)
	got, ok := v.Float()
	if !ok || got != 100 {
		t.Fatalf("max over corrected window = %v (ok=%v), want 100", got, ok)
	}
}

func TestVolumeSurgeRatio(t *testing.T) {
	now := time.Unix(1000, 0)
	view := staticView{ticks: []schema.Tick{
		tickAt(now.Add(-90*time.Second), 100, 10), // baseline window
		tickAt(now.Add(-5*time.Second), 100, 40),  // current window
	}}
	calc := mustCalc(t, "VOLUME_SURGE", map[string]any{
		"t1": float64(10), "t2": float64(0),
		"baseline_t1": float64(120), "baseline_t2": float64(60),
	})
	v := calc.Compute(now, view)
	got, ok := v.Float()
	if !ok {
		t.Fatal("expected a value")
	}
	// rates: current 40/10s = 4, baseline 10/60s; ratio = 4 / (10/60) = 24.
	if math.Abs(got-24) > 1e-9 {
		t.Fatalf("surge = %v, want 24", got)
	}
}

func TestBidAskImbalance(t *testing.T) {
	now := time.Unix(1000, 0)
	view := staticView{books: []schema.OrderbookSnapshot{{
		Symbol:    "BTC_USDT",
		Timestamp: now.Add(-time.Second),
		Bids:      []schema.BookLevel{{Price: 100, Quantity: 6}},
		Asks:      []schema.BookLevel{{Price: 101, Quantity: 2}},
	}}}
	calc := mustCalc(t, "BID_ASK_IMBALANCE", map[string]any{"t1": float64(10)})
	v := calc.Compute(now, view)
	got, ok := v.Float()
	if !ok {
		t.Fatal("expected a value")
	}
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("imbalance = %v, want 0.5", got)
	}
}

func TestScriptedIndicator(t *testing.T) {
	now := time.Unix(1000, 0)
	view := staticView{ticks: []schema.Tick{
		tickAt(now.Add(-3*time.Second), 10, 1),
		tickAt(now.Add(-2*time.Second), 20, 1),
	}}
	calc := mustCalc(t, "SCRIPTED", map[string]any{
		"t1": float64(60),
		"script": `function compute(ctx) {
			var sum = 0;
			for (var i = 0; i < ctx.ticks.length; i++) { sum += ctx.ticks[i].price; }
			return ctx.ticks.length > 0 ? sum / ctx.ticks.length : null;
		}`,
	})
	v := calc.Compute(now, view)
	got, ok := v.Float()
	if !ok || got != 15 {
		t.Fatalf("scripted = %v (ok=%v), want 15", got, ok)
	}

	if v := calc.Compute(now, staticView{}); !v.IsNull() {
		t.Fatalf("scripted over empty window must be null, got %+v", v)
	}
}

func TestScriptedRejectsBadScript(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.NewCalculator("SCRIPTED", map[string]any{
		"t1": float64(60), "script": "not valid js {{{",
	}); err == nil {
		t.Fatal("invalid script must be rejected")
	}
	if _, err := registry.NewCalculator("SCRIPTED", map[string]any{
		"t1": float64(60), "script": "var x = 1;",
	}); err == nil {
		t.Fatal("script without compute must be rejected")
	}
}

func TestValidateParams(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.ValidateParams("TWPA", map[string]any{}); err == nil {
		t.Fatal("missing required t1 must be rejected")
	}
	if _, err := registry.ValidateParams("TWPA", map[string]any{"t1": "sixty"}); err == nil {
		t.Fatal("non-numeric t1 must be rejected")
	}
	params, err := registry.ValidateParams("TWPA", map[string]any{"t1": 60})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if params.Float("t2", -1) != 0 {
		t.Fatalf("t2 default missing: %v", params)
	}
	if _, err := registry.Lookup("NO_SUCH_TYPE"); err == nil {
		t.Fatal("unknown base type must be rejected")
	}
}
