package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/traderd/internal/agent"
	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/logsink"
	"github.com/duskline/traderd/internal/momentum"
	"github.com/duskline/traderd/internal/risk"
	"github.com/duskline/traderd/internal/scanner"
	"github.com/duskline/traderd/internal/session"
	"github.com/duskline/traderd/internal/tools"
)

// recordingSleeper logs every sleepUntil call and returns errStop once
// calls reaches stopAfter, simulating shutdown so Run's loop terminates
// deterministically instead of running forever.
type recordingSleeper struct {
	calls     int
	stopAfter int
	wakeAts   []time.Time
}

var errStop = errors.New("test: stop loop")

func (r *recordingSleeper) sleepUntil(ctx context.Context, wakeAt time.Time) error {
	r.calls++
	r.wakeAts = append(r.wakeAts, wakeAt)
	if r.calls >= r.stopAfter {
		return errStop
	}
	return nil
}

// fakeRunner scripts a fixed sequence of CycleOutcomes, one per RunOnce call.
type fakeRunner struct {
	outcomes []agent.CycleOutcome
	calls    int
}

func (f *fakeRunner) RunOnce(ctx context.Context, in agent.CycleInputs) agent.CycleOutcome {
	idx := f.calls
	f.calls++
	if idx >= len(f.outcomes) {
		return agent.CycleOutcome{}
	}
	return f.outcomes[idx]
}

func closedPolicy() session.Policy {
	return session.Policy{
		Location:        time.UTC,
		PreMarketOpen:   session.TimeOfDay{Hour: 4, Minute: 0},
		RegularOpen:     session.TimeOfDay{Hour: 9, Minute: 30},
		RegularClose:    session.TimeOfDay{Hour: 16, Minute: 0},
		PostMarketClose: session.TimeOfDay{Hour: 20, Minute: 0},
		TradeEnabled:    map[session.Session]bool{}, // nothing enabled: always CLOSED
		EODFlatTime:     session.TimeOfDay{Hour: 15, Minute: 45},
	}
}

func regularPolicy() session.Policy {
	p := closedPolicy()
	p.TradeEnabled = map[session.Session]bool{session.Regular: true}
	return p
}

func testGovernor(t *testing.T, equity float64) *risk.Governor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_management.json")
	g, err := risk.NewGovernor(path, config.RiskConfig{
		MonthlyDrawdownLimitPct: 6,
		PerTradeRiskPct:         1,
		PerTradeValueCapPct:     10,
	}, equity, time.Now())
	if err != nil {
		t.Fatalf("NewGovernor: %v", err)
	}
	return g
}

func testCache(t *testing.T) *momentum.Cache {
	t.Helper()
	dir := t.TempDir()
	cache, err := momentum.New(filepath.Join(dir, "hot.db"), filepath.Join(dir, "archive.db"), nil)
	if err != nil {
		t.Fatalf("momentum.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func testScanner(t *testing.T, cache *momentum.Cache) *scanner.Scanner {
	t.Helper()
	book := tools.PaperBook{
		Bars: map[string][]tools.Bar{
			"AAPL": {{TS: time.Now(), Open: 100, High: 112, Low: 99, Close: 110, Volume: 5000000}},
			"TSLA": {{TS: time.Now(), Open: 200, High: 201, Low: 180, Close: 182, Volume: 6000000}},
			"SPY":  {{TS: time.Now(), Open: 500, High: 505, Low: 499, Close: 504, Volume: 50000000}},
			"QQQ":  {{TS: time.Now(), Open: 400, High: 404, Low: 398, Close: 403, Volume: 40000000}},
		},
	}
	policy := config.ScannerConfig{MinPrice: 5, MinVolume: 100000, KGainers: 3, KLosers: 3, Universe: []string{"AAPL", "TSLA", "SPY", "QQQ"}}
	return scanner.New(policy, tools.NewPaperAdapter(100000, book), cache, nil)
}

func testBook() tools.PaperBook {
	return tools.PaperBook{
		Quotes: map[string]tools.Quote{"AAPL": {Bid: 199.5, Ask: 200.5, TS: time.Now()}},
		Bars: map[string][]tools.Bar{
			"AAPL": {{TS: time.Now(), Open: 100, High: 112, Low: 99, Close: 110, Volume: 5000000}},
		},
		Clock: tools.MarketClock{IsOpen: true},
	}
}

func newTestOrchestrator(t *testing.T, policy session.Policy, governor *risk.Governor, runner cycleRunner) (*Orchestrator, *recordingSleeper) {
	t.Helper()
	o, rs, _ := newTestOrchestratorWithLogRoot(t, policy, governor, runner)
	return o, rs
}

func newTestOrchestratorWithLogRoot(t *testing.T, policy session.Policy, governor *risk.Governor, runner cycleRunner) (*Orchestrator, *recordingSleeper, string) {
	t.Helper()
	classifier := session.NewFromHolidays(policy, nil, nil)
	cache := testCache(t)
	scan := testScanner(t, cache)
	caps := tools.NewPaperAdapter(100000, testBook())
	logPath := t.TempDir()
	sink := logsink.New(logPath, "test-sig", time.UTC)
	breaker := risk.NewBreaker(config.BreakerConfig{MaxConsecutiveFailures: 3, MaxFailuresPerHour: 50}, nil)

	o := New(classifier, governor, cache, config.ScannerConfig{MinPrice: 5, MinVolume: 100000, KGainers: 3, KLosers: 3, Universe: []string{"AAPL", "TSLA", "SPY", "QQQ"}},
		scan, runner, sink, caps, breaker, config.CycleConfig{IntervalSeconds: 120}, "test system prompt", time.UTC, zerolog.Nop())

	rs := &recordingSleeper{stopAfter: 1}
	o.sleep = rs
	return o, rs, filepath.Join(logPath, "test-sig")
}

func TestOrchestrator_ClosedSessionSleepsUntilNextOpen(t *testing.T) {
	governor := testGovernor(t, 100000)
	o, rs := newTestOrchestrator(t, closedPolicy(), governor, &fakeRunner{})
	o.now = func() time.Time { return time.Date(2026, 7, 25, 12, 0, 0, 0, time.UTC) } // Saturday

	err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("expected graceful return, got %v", err)
	}
	if rs.calls != 1 {
		t.Errorf("expected exactly 1 sleep call before stopping, got %d", rs.calls)
	}
}

func TestOrchestrator_RiskSuspendedSkipsCycleAndSleepsInterval(t *testing.T) {
	governor := testGovernor(t, 100000)
	// Force suspension via a drawdown breach.
	governor.UpdateEquity(100000, time.Date(2026, 7, 27, 11, 0, 0, 0, time.UTC))
	governor.UpdateEquity(90000, time.Date(2026, 7, 27, 11, 0, 0, 0, time.UTC)) // 10% drawdown > 6% limit

	runner := &fakeRunner{}
	o, rs, logRoot := newTestOrchestratorWithLogRoot(t, regularPolicy(), governor, runner)
	o.now = func() time.Time { return time.Date(2026, 7, 27, 11, 0, 0, 0, time.UTC) } // Monday, regular hours

	err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("expected graceful return, got %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("expected RunOnce to never be called while risk-suspended, got %d calls", runner.calls)
	}
	if rs.calls != 1 {
		t.Errorf("expected exactly 1 interval sleep, got %d", rs.calls)
	}

	logFile := filepath.Join(logRoot, "log", "2026-07-27", "log.jsonl")
	raw, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("expected a persisted cycle record for the skipped cycle, got: %v", err)
	}
	if !strings.Contains(string(raw), `"skipped":"MONTHLY_DRAWDOWN"`) {
		t.Errorf("expected skipped cycle record to record the suspension reason, got: %s", raw)
	}
}

func TestOrchestrator_FatalCycleFailuresStopsRun(t *testing.T) {
	governor := testGovernor(t, 100000)
	failing := agent.CycleOutcome{Errors: []string{"reasoner call failed"}, Fatal: true}
	runner := &fakeRunner{outcomes: []agent.CycleOutcome{failing, failing, failing}}

	o, rs := newTestOrchestrator(t, regularPolicy(), governor, runner)
	o.now = func() time.Time { return time.Date(2026, 7, 27, 11, 0, 0, 0, time.UTC) }
	rs.stopAfter = 10 // don't let the sleeper stop it first; the breaker should

	err := o.Run(context.Background())
	if !errors.Is(err, ErrFatalCycleFailures) {
		t.Fatalf("expected ErrFatalCycleFailures, got %v", err)
	}
	if runner.calls != 3 {
		t.Errorf("expected exactly 3 cycles before tripping, got %d", runner.calls)
	}
}

func TestOrchestrator_SuccessfulCycleResetsFailureCount(t *testing.T) {
	governor := testGovernor(t, 100000)
	failing := agent.CycleOutcome{Errors: []string{"reasoner call failed"}, Fatal: true}
	ok := agent.CycleOutcome{}
	runner := &fakeRunner{outcomes: []agent.CycleOutcome{failing, failing, ok, failing, failing}}

	o, rs := newTestOrchestrator(t, regularPolicy(), governor, runner)
	o.now = func() time.Time { return time.Date(2026, 7, 27, 11, 0, 0, 0, time.UTC) }
	rs.stopAfter = 5

	err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("expected the intervening success to prevent a fatal trip, got %v", err)
	}
	if runner.calls != 5 {
		t.Errorf("expected all 5 scripted cycles to run, got %d", runner.calls)
	}
}

func TestOrchestrator_EODFlatLatchesOncePerDate(t *testing.T) {
	governor := testGovernor(t, 100000)
	runner := &fakeRunner{outcomes: []agent.CycleOutcome{{}, {}}}

	o, rs := newTestOrchestrator(t, regularPolicy(), governor, runner)
	// 15:46 local is past the 15:45 EOD flat trigger.
	o.now = func() time.Time { return time.Date(2026, 7, 27, 15, 46, 0, 0, time.UTC) }
	rs.stopAfter = 2

	err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.eodFlatDate == "" {
		t.Error("expected EOD flat latch to be set for the trading date")
	}
}
