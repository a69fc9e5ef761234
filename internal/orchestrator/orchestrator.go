// Package orchestrator implements the cycle orchestrator (spec C6): the
// single long-lived state machine that owns the trading loop and shutdown.
//
// Grounded on the teacher's cmd/engine/main.go: runContinuousMarketLoop's
// ticker-plus-ctx.Done select (generalized from "poll until market close"
// into the CHECK_TIME -> CHECK_RISK -> MAYBE_SCAN -> RUN_CYCLE -> PERSIST ->
// MAYBE_EOD_FLAT -> WAIT state machine) and gracefulShutdown's
// WaitGroup-with-timeout-fallback shape (adapted here to a single
// cooperative task rather than a worker pool, since this spec's orchestrator
// is explicitly single-threaded).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/traderd/internal/agent"
	"github.com/duskline/traderd/internal/audit"
	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/logsink"
	"github.com/duskline/traderd/internal/metrics"
	"github.com/duskline/traderd/internal/momentum"
	"github.com/duskline/traderd/internal/risk"
	"github.com/duskline/traderd/internal/scanner"
	"github.com/duskline/traderd/internal/session"
	"github.com/duskline/traderd/internal/tools"
)

// auditMirror is the slice of *audit.Mirror the orchestrator calls when an
// audit DSN is configured. Narrowed to an interface so Run can be tested
// without a Postgres connection, and so the mirror stays genuinely optional
// (a nil auditMirror is a no-op, not a special case in Run's control flow).
type auditMirror interface {
	MirrorCycle(rec logsink.CycleRecord)
	MirrorFill(rec logsink.OrderFillRecord)
	MirrorScanBatch(batch audit.ScanBatch, recordedAt time.Time)
}

// ErrFatalCycleFailures is returned by Run when three consecutive cycles
// have failed, per spec §4.6/§6.3. The caller (cmd/daemon) maps this to a
// non-zero exit code so a service manager restarts the process.
var ErrFatalCycleFailures = fmt.Errorf("FATAL_CYCLE_FAILURES: consecutive cycle failures exceeded threshold")

// sleeper abstracts the cooperative, shutdown-aware wait the orchestrator
// uses between cycles and across closed-session gaps.
type sleeper interface {
	sleepUntil(ctx context.Context, wakeAt time.Time) error
}

// chunkSleeper decomposes a wait into <=60s chunks so a shutdown signal is
// observed within one chunk's worth of latency, per spec §5.
type chunkSleeper struct {
	chunk time.Duration
}

func (c chunkSleeper) sleepUntil(ctx context.Context, wakeAt time.Time) error {
	if c.chunk <= 0 {
		c.chunk = 60 * time.Second
	}
	for {
		remaining := time.Until(wakeAt)
		if remaining <= 0 {
			return nil
		}
		wait := remaining
		if wait > c.chunk {
			wait = c.chunk
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// cycleRunner is the slice of *agent.Supervisor the orchestrator actually
// calls. Narrowing to an interface lets tests drive Run with a fake
// reasoner loop instead of a live chat-completions client.
type cycleRunner interface {
	RunOnce(ctx context.Context, in agent.CycleInputs) agent.CycleOutcome
}

// Orchestrator drives the trading loop end to end.
type Orchestrator struct {
	classifier *session.Classifier
	governor   *risk.Governor
	cache      *momentum.Cache
	scanPolicy config.ScannerConfig
	scan       *scanner.Scanner
	supervisor cycleRunner
	sink       *logsink.Sink
	caps       tools.Set
	breaker    *risk.Breaker
	cyclePolicy  config.CycleConfig
	systemPrompt string
	loc          *time.Location
	logger       zerolog.Logger
	sleep        sleeper
	now          func() time.Time
	audit        auditMirror // optional; nil disables mirroring entirely

	mu           sync.Mutex
	lastScanDate string
	eodFlatDate  string
	cycleID      int64
}

// SetAuditMirror wires an optional durable mirror (spec §6.2 expansion).
// Passing nil (the default) disables mirroring with no other behavior
// change.
func (o *Orchestrator) SetAuditMirror(m auditMirror) {
	o.audit = m
}

// New creates an Orchestrator. breaker is a dedicated Breaker instance used
// only for the "3 consecutive cycle failures" escalation (spec §4.8) — it
// must not be the same instance any tools adapter retries against.
func New(
	classifier *session.Classifier,
	governor *risk.Governor,
	cache *momentum.Cache,
	scanPolicy config.ScannerConfig,
	scan *scanner.Scanner,
	supervisor cycleRunner,
	sink *logsink.Sink,
	caps tools.Set,
	breaker *risk.Breaker,
	cyclePolicy config.CycleConfig,
	systemPrompt string,
	loc *time.Location,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		classifier:   classifier,
		governor:     governor,
		cache:        cache,
		scanPolicy:   scanPolicy,
		scan:         scan,
		supervisor:   supervisor,
		sink:         sink,
		caps:         caps,
		breaker:      breaker,
		cyclePolicy:  cyclePolicy,
		systemPrompt: systemPrompt,
		loc:          loc,
		logger:       logger,
		sleep:        chunkSleeper{chunk: 60 * time.Second},
		now:          time.Now,
	}
}

// Run drives the state machine until ctx is cancelled (graceful shutdown,
// returns nil) or three consecutive cycles fail (returns
// ErrFatalCycleFailures).
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		now := o.now()
		cls := o.classifier.Failsafe(now)

		if cls.Session == session.Closed {
			plan := o.classifier.SleepPlanFor(now)
			o.logger.Info().Time("wake_at", plan.WakeAt).Msg("orchestrator entering closed-session sleep")
			if err := o.sleep.sleepUntil(ctx, plan.WakeAt); err != nil {
				return nil
			}
			continue
		}

		o.refreshEquity(ctx, now)

		status := o.governor.Status()
		metrics.SetRiskSuspended(!status.Allowed)
		if !status.Allowed {
			o.logger.Warn().Str("reason", string(status.Reason)).Msg("risk suspended, skipping cycle")
			o.persistSkippedCycle(ctx, now, cls, string(status.Reason))
			if err := o.sleep.sleepUntil(ctx, now.Add(o.intervalDuration())); err != nil {
				return nil
			}
			continue
		}

		watchlist, regime := o.maybeScan(ctx, now)

		cycleStart := o.now()
		outcome := o.runCycle(ctx, cls, regime, status, watchlist)
		cycleEnd := o.now()

		if len(outcome.Errors) > 0 {
			o.logger.Error().Strs("errors", outcome.Errors).Msg("cycle completed with errors")
		}
		if outcome.Fatal {
			o.breaker.RecordFailure(risk.FailureEvent{
				Capability: "cycle",
				Err:        fmt.Errorf("cycle completed with %d error(s)", len(outcome.Errors)),
			})
			if o.breaker.IsTripped() {
				o.logger.Error().Msg("FATAL_CYCLE_FAILURES")
				metrics.RecordCycle(cycleEnd.Sub(cycleStart), o.breaker.ConsecutiveFailures(), outcome.AgentStepsUsed)
				return ErrFatalCycleFailures
			}
		} else {
			o.breaker.RecordSuccess()
		}
		metrics.RecordCycle(cycleEnd.Sub(cycleStart), o.breaker.ConsecutiveFailures(), outcome.AgentStepsUsed)

		o.persist(ctx, cycleStart, cycleEnd, cls, regime, outcome)
		o.maybeEODFlat(ctx, now)

		elapsed := cycleEnd.Sub(cycleStart)
		remaining := o.intervalDuration() - elapsed
		if remaining < 0 {
			remaining = 0
		}
		if err := o.sleep.sleepUntil(ctx, o.now().Add(remaining)); err != nil {
			return nil
		}
	}
}

func (o *Orchestrator) intervalDuration() time.Duration {
	secs := o.cyclePolicy.IntervalSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// refreshEquity pulls the current account snapshot and feeds it to the
// governor so CHECK_RISK reflects live equity, not a stale value. A
// failure here is non-fatal: the governor simply retains its last known
// status until the next successful refresh.
func (o *Orchestrator) refreshEquity(ctx context.Context, now time.Time) {
	acc, err := o.caps.GetAccount(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to refresh account equity")
		return
	}
	if err := o.governor.UpdateEquity(acc.Equity, now); err != nil {
		o.logger.Warn().Err(err).Msg("failed to persist updated equity")
	}
}

// maybeScan fires the pre-market scanner at most once per exchange-local
// scan_date, at or after scan_time, or on first regular-session entry if
// the hot cache has no row for today (spec §4.4 Trigger / §4.6 MAYBE_SCAN).
// It always returns the best available watchlist and regime, falling back
// to the most recent prior scan when today's scan hasn't produced one yet.
func (o *Orchestrator) maybeScan(ctx context.Context, now time.Time) ([]momentum.WatchlistEntry, momentum.Regime) {
	scanDate := session.ScanDate(now, o.loc)
	local := now.In(o.loc)

	o.mu.Lock()
	alreadyScanned := o.lastScanDate == scanDate
	o.mu.Unlock()

	hasToday, _ := o.cache.Hot().HasScanDate(ctx, scanDate)
	pastScanTime := local.Hour() > o.scanPolicy.ScanHour ||
		(local.Hour() == o.scanPolicy.ScanHour && local.Minute() >= o.scanPolicy.ScanMinute)

	if !alreadyScanned && (pastScanTime || !hasToday) {
		if result, err := o.scan.Scan(ctx, scanDate, now); err != nil {
			o.logger.Warn().Err(err).Msg("SCAN_FALLBACK: falling back to prior cache")
		} else {
			o.mu.Lock()
			o.lastScanDate = scanDate
			o.mu.Unlock()
			if o.audit != nil {
				o.audit.MirrorScanBatch(audit.ScanBatch{
					ScanDate: result.ScanDate,
					Entries:  result.Entries,
					Regime:   result.Regime,
					Stats:    result.Stats,
				}, now)
			}
		}
	}

	entries, err := o.cache.Hot().Watchlist(ctx, scanDate)
	if err != nil || len(entries) == 0 {
		if latest, lerr := o.cache.Hot().LatestScanDate(ctx); lerr == nil && latest != "" {
			entries, _ = o.cache.Hot().Watchlist(ctx, latest)
			regime, _ := o.cache.Hot().Regime(ctx, latest)
			return entries, regime.Regime
		}
		return entries, momentum.Neutral
	}

	regime, _ := o.cache.Hot().Regime(ctx, scanDate)
	return entries, regime.Regime
}

func (o *Orchestrator) runCycle(ctx context.Context, cls session.Classification, regime momentum.Regime, status risk.Status, watchlist []momentum.WatchlistEntry) agent.CycleOutcome {
	in := agent.CycleInputs{
		SessionState: string(cls.Session),
		Regime:       regime,
		NowLocal:     o.now().In(o.loc),
		RiskStatus:   status,
		Watchlist:    watchlist,
		SystemPrompt: o.systemPrompt,
	}
	return o.supervisor.RunOnce(ctx, in)
}

// persist writes the cycle record and any filled orders to the log sink
// (spec §4.6 PERSIST), within the same cycle — no interleaving with the
// next cycle's RUN_CYCLE.
func (o *Orchestrator) persist(ctx context.Context, start, end time.Time, cls session.Classification, regime momentum.Regime, outcome agent.CycleOutcome) {
	o.mu.Lock()
	o.cycleID++
	id := o.cycleID
	o.mu.Unlock()

	rec := logsink.CycleRecord{
		CycleID:         id,
		StartedAt:       start,
		EndedAt:         end,
		Session:         string(cls.Session),
		Regime:          string(regime),
		AgentStepsUsed:  outcome.AgentStepsUsed,
		OrdersSubmitted: toOrderRefs(outcome.OrdersSubmitted),
		OrdersFilled:    toOrderRefs(outcome.OrdersFilled),
		Errors:          outcome.Errors,
		FinalEquity:     outcome.FinalAccount.Equity,
	}

	if positions, err := o.caps.GetPositions(ctx); err == nil {
		rec.FinalPositionsSnapshot = positions
	}

	if err := o.sink.AppendCycle(rec); err != nil {
		o.logger.Error().Err(err).Msg("failed to persist cycle record")
	}
	if o.audit != nil {
		o.audit.MirrorCycle(rec)
	}

	for _, fill := range outcome.OrdersFilled {
		fillRec := logsink.OrderFillRecord{
			CycleID: id,
			At:      end,
			Symbol:  fill.Symbol,
			OrderID: fill.Ack.OrderID,
			Status:  fill.Ack.Status,
		}
		if err := o.sink.AppendTrade(fillRec); err != nil {
			o.logger.Error().Err(err).Str("symbol", fill.Symbol).Msg("failed to persist trade record")
		}
		if o.audit != nil {
			o.audit.MirrorFill(fillRec)
		}
	}
}

// persistSkippedCycle records a cycle that CHECK_RISK bypassed entirely
// (spec §7 RiskSuspended: "the cycle is skipped, recorded"), so the log
// sink's cycle sequence has no silent gaps for a suspended period.
func (o *Orchestrator) persistSkippedCycle(ctx context.Context, at time.Time, cls session.Classification, reason string) {
	o.mu.Lock()
	o.cycleID++
	id := o.cycleID
	o.mu.Unlock()

	rec := logsink.CycleRecord{
		CycleID:   id,
		StartedAt: at,
		EndedAt:   at,
		Session:   string(cls.Session),
		Skipped:   reason,
	}

	if err := o.sink.AppendCycle(rec); err != nil {
		o.logger.Error().Err(err).Msg("failed to persist skipped cycle record")
	}
	if o.audit != nil {
		o.audit.MirrorCycle(rec)
	}
}

func toOrderRefs(subs []agent.OrderSubmission) []logsink.OrderRef {
	refs := make([]logsink.OrderRef, len(subs))
	for i, s := range subs {
		refs[i] = logsink.OrderRef{Symbol: s.Symbol, OrderID: s.Ack.OrderID, Status: s.Ack.Status}
	}
	return refs
}

// maybeEODFlat invokes close_all_positions once per exchange-local date
// once the EOD flat trigger fires, latched to prevent re-entry within the
// same date (spec §4.6 MAYBE_EOD_FLAT).
func (o *Orchestrator) maybeEODFlat(ctx context.Context, now time.Time) {
	if !o.classifier.IsEODFlatTrigger(now) {
		return
	}

	today := session.ScanDate(now, o.loc)
	o.mu.Lock()
	if o.eodFlatDate == today {
		o.mu.Unlock()
		return
	}
	o.eodFlatDate = today
	o.mu.Unlock()

	closed, err := o.caps.CloseAllPositions(ctx, true)
	if err != nil {
		o.logger.Error().Err(err).Msg("EOD flat failed")
		return
	}
	o.logger.Info().Int("closed_count", len(closed)).Msg("EOD_FLAT")
}
