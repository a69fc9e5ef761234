// Package risk implements the risk governor (spec C2): a persisted,
// monthly high-water drawdown tracker and position sizer.
//
// Grounded on the teacher's internal/risk.Manager validation style —
// percentage-of-capital sizing, a rejection-reason taxonomy — generalized
// from a stateless per-signal validator into a stateful governor that owns
// its own JSON file and is the exclusive writer to it.
package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/duskline/traderd/internal/config"
)

// ErrInvalidStop is returned by SizePosition when entry and stop coincide.
var ErrInvalidStop = fmt.Errorf("INVALID_STOP: non-positive stop distance")

// Governor owns the persisted risk state and is the single writer of
// risk_management.json. All methods are safe for concurrent use.
type Governor struct {
	mu     sync.Mutex
	path   string
	policy riskParams
	state  State
}

// riskParams is the subset of config.RiskConfig the governor needs for
// sizing and drawdown math, copied in rather than holding the whole
// Config tree.
type riskParams struct {
	MonthlyDrawdownLimitPct float64
	PerTradeRiskPct         float64
	PerTradeValueCapPct     float64
}

func riskParamsOf(cfg config.RiskConfig) riskParams {
	return riskParams{
		MonthlyDrawdownLimitPct: cfg.MonthlyDrawdownLimitPct,
		PerTradeRiskPct:         cfg.PerTradeRiskPct,
		PerTradeValueCapPct:     cfg.PerTradeValueCapPct,
	}
}

// NewGovernor loads (or initializes) risk state from path and returns a
// ready Governor. If the file is absent, state is initialized from
// currentEquity and persisted; the only error returned then is a failure to
// persist, and no RISK_STATE_REINIT error is returned. If the file is
// corrupt, state is initialized from currentEquity and RISK_STATE_REINIT is
// returned as a non-fatal informational error for the caller to log.
func NewGovernor(path string, cfg config.RiskConfig, currentEquity float64, now time.Time) (*Governor, error) {
	g := &Governor{
		path:   path,
		policy: riskParamsOf(cfg),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		g.state = freshState(currentEquity, now)
		return g, g.persist()
	}

	var st State
	if jsonErr := json.Unmarshal(data, &st); jsonErr != nil {
		g.state = freshState(currentEquity, now)
		return g, fmt.Errorf("RISK_STATE_REINIT: corrupt state file, reinitialized: %w", jsonErr)
	}

	g.state = st
	return g, nil
}

func freshState(currentEquity float64, now time.Time) State {
	return State{
		MonthKey:          monthKey(now),
		MonthStartEquity:  currentEquity,
		MonthHighEquity:   currentEquity,
		CurrentEquity:     currentEquity,
		PerSymbolDayCount: map[string]int{},
	}
}

// UpdatePolicy swaps the live sizing/drawdown parameters, used by the
// config Watcher on hot-reload. Does not touch persisted state.
func (g *Governor) UpdatePolicy(cfg config.RiskConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = riskParamsOf(cfg)
}

// UpdateEquity records new equity, advances the month's high-water mark,
// recomputes drawdown, and suspends trading if the monthly limit is
// breached.
func (g *Governor) UpdateEquity(newEquity float64, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfNewMonthLocked(at)

	g.state.CurrentEquity = newEquity
	if newEquity > g.state.MonthHighEquity {
		g.state.MonthHighEquity = newEquity
	}

	if g.state.MonthHighEquity > 0 {
		g.state.CurrentDrawdownPct = (g.state.MonthHighEquity - newEquity) / g.state.MonthHighEquity * 100
	} else {
		g.state.CurrentDrawdownPct = 0
	}
	if g.state.CurrentDrawdownPct < 0 {
		g.state.CurrentDrawdownPct = 0
	}

	if g.state.CurrentDrawdownPct >= g.policy.MonthlyDrawdownLimitPct {
		g.state.Suspended = true
		g.state.SuspensionReason = ReasonMonthlyDrawdown
	}

	return g.persist()
}

// Status returns the current allowed/suspended view of risk state.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	allowed := !g.state.Suspended && !g.state.ManualHalt
	reason := g.state.SuspensionReason
	if g.state.ManualHalt {
		reason = ReasonManualHalt
	}
	if allowed {
		reason = ReasonNone
	}

	return Status{
		Allowed:     allowed,
		Reason:      reason,
		DrawdownPct: g.state.CurrentDrawdownPct,
		MonthHigh:   g.state.MonthHighEquity,
		Current:     g.state.CurrentEquity,
	}
}

// SizePosition computes share count per spec §4.2:
//
//	shares = floor(min((equity * per_trade_risk_pct) / |entry - stop|,
//	                    (equity * per_trade_value_cap_pct) / entry))
func (g *Governor) SizePosition(equity, entry, stop float64) (int, error) {
	g.mu.Lock()
	riskPct := g.policy.PerTradeRiskPct
	capPct := g.policy.PerTradeValueCapPct
	g.mu.Unlock()

	stopDistance := math.Abs(entry - stop)
	if stopDistance <= 0 {
		return 0, ErrInvalidStop
	}
	if entry <= 0 {
		return 0, fmt.Errorf("INVALID_ENTRY: non-positive entry price")
	}

	riskBudget := equity * (riskPct / 100)
	valueCap := equity * (capPct / 100)

	byRisk := riskBudget / stopDistance
	byCap := valueCap / entry

	shares := math.Min(byRisk, byCap)
	if shares < 0 {
		shares = 0
	}
	return int(math.Floor(shares)), nil
}

// RecordTrade appends a closed-trade result to the bounded ring, increments
// the symbol's per-day counter, and updates the consecutive-loss streak.
func (g *Governor) RecordTrade(result TradeResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfNewMonthLocked(result.ClosedAt)

	g.state.LastTradeResults = append(g.state.LastTradeResults, result)
	if len(g.state.LastTradeResults) > ringSize {
		g.state.LastTradeResults = g.state.LastTradeResults[len(g.state.LastTradeResults)-ringSize:]
	}

	if g.state.PerSymbolDayCount == nil {
		g.state.PerSymbolDayCount = map[string]int{}
	}
	g.state.PerSymbolDayCount[result.Symbol]++
	g.state.TradeCountToday++

	if result.PnL < 0 {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}

	return g.persist()
}

// ResetIfNewMonth re-anchors month_start_equity and clears suspension and
// day counters when the calendar month has advanced. Exported so the
// orchestrator can call it once at the top of each cycle in addition to
// the implicit calls inside UpdateEquity/RecordTrade.
func (g *Governor) ResetIfNewMonth(at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := g.resetIfNewMonthLocked(at)
	if !changed {
		return nil
	}
	return g.persist()
}

func (g *Governor) resetIfNewMonthLocked(at time.Time) bool {
	key := monthKey(at)
	if key == g.state.MonthKey {
		return false
	}
	g.state.MonthKey = key
	g.state.MonthStartEquity = g.state.CurrentEquity
	g.state.MonthHighEquity = g.state.CurrentEquity
	g.state.CurrentDrawdownPct = 0
	if g.state.SuspensionReason == ReasonMonthlyDrawdown {
		g.state.Suspended = false
		g.state.SuspensionReason = ReasonNone
	}
	g.state.TradeCountToday = 0
	g.state.PerSymbolDayCount = map[string]int{}
	return true
}

// ManualHalt sets or clears the operator-triggered halt, independent of
// the drawdown-based suspension.
func (g *Governor) ManualHalt(halt bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.ManualHalt = halt
	return g.persist()
}

// persist atomically rewrites the state file via write-to-temp + rename,
// per spec §4.2. Caller must hold g.mu.
func (g *Governor) persist() error {
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		return fmt.Errorf("risk: marshal state: %w", err)
	}

	dir := filepath.Dir(g.path)
	tmp, err := os.CreateTemp(dir, ".risk_management-*.tmp")
	if err != nil {
		return fmt.Errorf("risk: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("risk: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("risk: sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("risk: close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, g.path); err != nil {
		return fmt.Errorf("risk: rename temp state file: %w", err)
	}
	return nil
}
