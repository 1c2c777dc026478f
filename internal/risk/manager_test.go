package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/internal/config"
)

func newTestManager(t *testing.T, cfg config.RiskConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestAllocationsResolveAgainstGlobalCap(t *testing.T) {
	m := newTestManager(t, config.RiskConfig{
		GlobalCap:     "100000",
		Allocations:   map[string]string{"momentum": "60%", "reversal": "25000"},
		OrderThrottle: 100,
	})
	summary := m.Summary()
	if len(summary.Allocations) != 2 {
		t.Fatalf("allocations = %+v", summary.Allocations)
	}
	// Sorted by key: momentum then reversal.
	if !summary.Allocations[0].Cap.Equal(d("60000")) {
		t.Fatalf("momentum cap = %s, want 60000", summary.Allocations[0].Cap)
	}
	if !summary.Allocations[1].Cap.Equal(d("25000")) {
		t.Fatalf("reversal cap = %s, want 25000", summary.Allocations[1].Cap)
	}
}

func TestAllocationsExceedingCapFailStartup(t *testing.T) {
	_, err := NewManager(config.RiskConfig{
		GlobalCap:     "1000",
		Allocations:   map[string]string{"a": "80%", "b": "300"},
		OrderThrottle: 10,
	}, nil)
	if err == nil {
		t.Fatal("over-allocated budget must fail construction")
	}
}

func TestBudgetGate(t *testing.T) {
	m := newTestManager(t, config.RiskConfig{GlobalCap: "1000", OrderThrottle: 100})

	if dec := m.CanOpenPosition("BTC_USDT", d("800"), decimal.Zero); !dec.Allowed {
		t.Fatalf("first position denied: %s", dec.Reason)
	}
	m.UseBudget(d("800"))

	if dec := m.CanOpenPosition("BTC_USDT", d("300"), decimal.Zero); dec.Allowed {
		t.Fatal("position beyond remaining budget must be denied")
	}

	m.ReleaseBudget(d("800"))
	if dec := m.CanOpenPosition("BTC_USDT", d("300"), decimal.Zero); !dec.Allowed {
		t.Fatalf("position after release denied: %s", dec.Reason)
	}
}

func TestLeverageScalesExposure(t *testing.T) {
	m := newTestManager(t, config.RiskConfig{
		GlobalCap:           "100000",
		MaxPositionNotional: "5000",
		OrderThrottle:       100,
	})
	if dec := m.CanOpenPosition("BTC_USDT", d("4000"), decimal.Zero); !dec.Allowed {
		t.Fatalf("unleveraged position denied: %s", dec.Reason)
	}
	if dec := m.CanOpenPosition("BTC_USDT", d("4000"), d("2")); dec.Allowed {
		t.Fatal("leveraged exposure beyond max position must be denied")
	}
}

func TestThrottleDeniesBurst(t *testing.T) {
	m := newTestManager(t, config.RiskConfig{GlobalCap: "0", OrderThrottle: 1})
	if dec := m.CanOpenPosition("BTC_USDT", d("100"), decimal.Zero); !dec.Allowed {
		t.Fatalf("first order denied: %s", dec.Reason)
	}
	if dec := m.CanOpenPosition("BTC_USDT", d("100"), decimal.Zero); dec.Allowed {
		t.Fatal("second order inside the same second must be throttled")
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	m := newTestManager(t, config.RiskConfig{GlobalCap: "1000", OrderThrottle: 10})
	m.ReleaseBudget(d("500"))
	summary := m.Summary()
	if !summary.Used.Equal(decimal.Zero) {
		t.Fatalf("used = %s, want 0", summary.Used)
	}
	if !summary.Available.Equal(d("1000")) {
		t.Fatalf("available = %s, want 1000", summary.Available)
	}
}
