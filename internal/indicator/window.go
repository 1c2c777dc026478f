package indicator

import (
	"time"

	"github.com/quantfabric/tradecore/internal/observability"
)

// Window selects the half-open interval (now - T1, now - T2] with T1 > T2 >= 0.
type Window struct {
	T1 time.Duration
	T2 time.Duration
}

// NormalizeWindow builds a Window from t1/t2 expressed in seconds. Inverted
// inputs are swapped rather than rejected; the corrected flag reports the swap
// so callers can log it once at variant creation.
func NormalizeWindow(t1, t2 float64) (Window, bool) {
	if t2 < 0 {
		t2 = 0
	}
	if t1 < 0 {
		t1 = 0
	}
	corrected := false
	if t1 < t2 {
		t1, t2 = t2, t1
		corrected = true
	}
	return Window{
		T1: time.Duration(t1 * float64(time.Second)),
		T2: time.Duration(t2 * float64(time.Second)),
	}, corrected
}

// Resolve maps the window onto concrete bounds relative to now.
func (w Window) Resolve(now time.Time) (from, to time.Time) {
	return now.Add(-w.T1), now.Add(-w.T2)
}

// Span returns the window length.
func (w Window) Span() time.Duration {
	return w.T1 - w.T2
}

func logWindowCorrection(baseType string, t1, t2 float64) {
	observability.Log().Warn("indicator window auto-correct: t1 < t2, swapped",
		observability.F("base_type", baseType),
		observability.F("t1", t1),
		observability.F("t2", t2))
}
