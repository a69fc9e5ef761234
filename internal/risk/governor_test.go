package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskline/traderd/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MonthlyDrawdownLimitPct: 6.0,
		PerTradeRiskPct:         1.0,
		PerTradeValueCapPct:     20.0,
	}
}

func newTestGovernor(t *testing.T, equity float64, now time.Time) *Governor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_management.json")
	g, err := NewGovernor(path, testRiskConfig(), equity, now)
	if err != nil {
		t.Fatalf("NewGovernor: %v", err)
	}
	return g
}

func TestGovernor_InitializesFromCurrentEquity(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, now)

	st := g.Status()
	if !st.Allowed {
		t.Error("expected allowed=true on fresh state")
	}
	if st.Current != 100000 || st.MonthHigh != 100000 {
		t.Errorf("expected equity anchored at 100000, got %+v", st)
	}
}

func TestGovernor_UpdateEquity_TripsOnDrawdown(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, now)

	if err := g.UpdateEquity(105000, now); err != nil {
		t.Fatalf("UpdateEquity: %v", err)
	}
	// Drawdown vs 105000 high: 6.19% >= 6% limit.
	if err := g.UpdateEquity(98500, now); err != nil {
		t.Fatalf("UpdateEquity: %v", err)
	}

	st := g.Status()
	if st.Allowed {
		t.Error("expected suspended after monthly drawdown breach")
	}
	if st.Reason != ReasonMonthlyDrawdown {
		t.Errorf("expected MONTHLY_DRAWDOWN, got %s", st.Reason)
	}
}

func TestGovernor_UpdateEquity_NoTripBelowLimit(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, now)

	g.UpdateEquity(105000, now)
	g.UpdateEquity(100000, now) // drawdown 4.76%, below 6%

	st := g.Status()
	if !st.Allowed {
		t.Error("expected allowed=true below drawdown limit")
	}
}

func TestGovernor_SizePosition(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, now)

	// risk budget = 1000, stop distance = 2 -> 500 shares by risk
	// value cap = 20000, entry = 50 -> 400 shares by cap
	shares, err := g.SizePosition(100000, 50, 48)
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if shares != 400 {
		t.Errorf("expected 400 shares (cap binds), got %d", shares)
	}
}

func TestGovernor_SizePosition_InvalidStop(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, now)

	if _, err := g.SizePosition(100000, 50, 50); err != ErrInvalidStop {
		t.Errorf("expected ErrInvalidStop, got %v", err)
	}
}

func TestGovernor_RecordTrade_TracksConsecutiveLosses(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, now)

	g.RecordTrade(TradeResult{Symbol: "AAPL", PnL: -50, ClosedAt: now})
	g.RecordTrade(TradeResult{Symbol: "AAPL", PnL: -25, ClosedAt: now})
	g.RecordTrade(TradeResult{Symbol: "MSFT", PnL: 100, ClosedAt: now})

	// Access internal state via Status-adjacent checks is limited; verify
	// via a fresh load that counters persisted.
	path := g.path
	reloaded, err := NewGovernor(path, testRiskConfig(), 100000, now)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.state.ConsecutiveLosses != 0 {
		t.Errorf("expected consecutive losses reset after a winning trade, got %d", reloaded.state.ConsecutiveLosses)
	}
	if reloaded.state.TradeCountToday != 3 {
		t.Errorf("expected trade_count_today=3, got %d", reloaded.state.TradeCountToday)
	}
	if reloaded.state.PerSymbolDayCount["AAPL"] != 2 {
		t.Errorf("expected AAPL count=2, got %d", reloaded.state.PerSymbolDayCount["AAPL"])
	}
}

func TestGovernor_ResetIfNewMonth(t *testing.T) {
	july := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, july)

	g.UpdateEquity(105000, july)
	g.UpdateEquity(98500, july) // trips monthly drawdown
	if g.Status().Allowed {
		t.Fatal("expected suspended before month rollover")
	}

	august := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := g.ResetIfNewMonth(august); err != nil {
		t.Fatalf("ResetIfNewMonth: %v", err)
	}

	st := g.Status()
	if !st.Allowed {
		t.Error("expected suspension cleared on month rollover")
	}
	if st.MonthHigh != 98500 {
		t.Errorf("expected month high re-anchored to 98500, got %f", st.MonthHigh)
	}
}

func TestGovernor_ManualHalt_SurvivesMonthRollover(t *testing.T) {
	july := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, 100000, july)

	g.ManualHalt(true)
	august := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	g.ResetIfNewMonth(august)

	if g.Status().Allowed {
		t.Error("manual halt should survive month rollover")
	}
}

func TestGovernor_ReloadsPersistedStateAcrossRestart(t *testing.T) {
	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "risk_management.json")

	g1, err := NewGovernor(path, testRiskConfig(), 100000, now)
	if err != nil {
		t.Fatalf("NewGovernor: %v", err)
	}
	g1.UpdateEquity(102000, now)

	g2, err := NewGovernor(path, testRiskConfig(), 999999, now) // currentEquity ignored on reload
	if err != nil {
		t.Fatalf("NewGovernor reload: %v", err)
	}
	if g2.Status().Current != 102000 {
		t.Errorf("expected reloaded equity 102000, got %f", g2.Status().Current)
	}
}

func TestGovernor_CorruptFileReinitializes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk_management.json")
	if err := os.WriteFile(path, []byte("not valid json"), 0644); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 7, 28, 10, 0, 0, 0, time.UTC)
	g, err := NewGovernor(path, testRiskConfig(), 50000, now)
	if err == nil {
		t.Fatal("expected RISK_STATE_REINIT error on corrupt file")
	}
	if g.Status().Current != 50000 {
		t.Errorf("expected reinit from currentEquity=50000, got %f", g.Status().Current)
	}
}
