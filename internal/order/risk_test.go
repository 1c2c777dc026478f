package order

import (
	"testing"

	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/risk"
)

func newRiskManager(t *testing.T) *risk.Manager {
	t.Helper()
	m, err := risk.NewManager(config.RiskConfig{GlobalCap: "0", OrderThrottle: 1000}, nil)
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	return m
}
