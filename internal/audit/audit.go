// Package audit implements the optional durable mirror (spec §6.2
// expansion): a best-effort, asynchronous copy of cycle records, order
// fills, and scan batches into Postgres for an operator's own BI tooling.
// It is never on the critical path of a cycle — a mirror failure is logged
// and dropped, never returned to the orchestrator.
//
// Grounded on the teacher's internal/storage.Store (TradeRecord,
// SignalRecord, AIScoreRecord schemas) and its Postgres stub
// (internal/storage/postgres.go), here given a real pgx/v5 pool and actual
// queries instead of "not yet implemented" stubs, since this package is the
// teacher's Postgres driver's new home once the hot/history stores moved to
// SQLite (see internal/momentum).
package audit

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duskline/traderd/internal/logsink"
	"github.com/duskline/traderd/internal/momentum"
)

const mirrorQueueDepth = 256

// execer is the slice of *pgxpool.Pool the mirror actually calls. Narrowing
// to an interface lets tests drive the queuing/dropping behavior with a
// fake executor instead of a live Postgres connection.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// ScanBatch is one scan run's worth of ranked entries, mirrored as a unit.
type ScanBatch struct {
	ScanDate string
	Entries  []momentum.WatchlistEntry
	Regime   momentum.MarketRegime
	Stats    momentum.ScanStats
}

// Mirror owns the Postgres pool and the single worker goroutine that drains
// mirror jobs. Construct with New; call Close at process shutdown.
type Mirror struct {
	pool   *pgxpool.Pool // nil in tests that inject exec directly; owns shutdown
	exec   execer
	logger *log.Logger
	jobs   chan func(ctx context.Context)
	cancel context.CancelFunc
	done   chan struct{}
}

// New opens a pool against dsn, ensures the three mirror tables exist, and
// starts the background worker. Returns an error only for connection/schema
// failures at startup — once running, query failures are logged, not
// returned (spec's PersistenceError handling for non-critical state).
func New(ctx context.Context, dsn string, logger *log.Logger) (*Mirror, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	m := newMirror(pool, pool, logger)
	return m, nil
}

func newMirror(pool *pgxpool.Pool, exec execer, logger *log.Logger) *Mirror {
	workerCtx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		pool:   pool,
		exec:   exec,
		logger: logger,
		jobs:   make(chan func(ctx context.Context), mirrorQueueDepth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(workerCtx)
	return m
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycle_records (
			cycle_id          BIGINT PRIMARY KEY,
			started_at        TIMESTAMPTZ NOT NULL,
			ended_at          TIMESTAMPTZ NOT NULL,
			session           TEXT NOT NULL,
			regime            TEXT NOT NULL,
			agent_steps_used  INTEGER NOT NULL,
			errors            TEXT[],
			final_equity      DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_fills (
			id        BIGSERIAL PRIMARY KEY,
			cycle_id  BIGINT NOT NULL,
			at        TIMESTAMPTZ NOT NULL,
			symbol    TEXT NOT NULL,
			order_id  TEXT NOT NULL,
			status    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_batches (
			scan_date     TEXT PRIMARY KEY,
			entry_count   INTEGER NOT NULL,
			regime        TEXT NOT NULL,
			total_scanned INTEGER NOT NULL,
			recorded_at   TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.jobs:
			if !ok {
				return
			}
			job(ctx)
		}
	}
}

// enqueue submits a job to the worker, dropping it (and logging) if the
// queue is full rather than blocking the caller's cycle.
func (m *Mirror) enqueue(job func(ctx context.Context)) {
	select {
	case m.jobs <- job:
	default:
		m.logger.Printf("[audit] mirror queue full, dropping write")
	}
}

// MirrorCycle asynchronously inserts rec into cycle_records.
func (m *Mirror) MirrorCycle(rec logsink.CycleRecord) {
	m.enqueue(func(ctx context.Context) {
		_, err := m.exec.Exec(ctx, `
			INSERT INTO cycle_records
				(cycle_id, started_at, ended_at, session, regime, agent_steps_used, errors, final_equity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (cycle_id) DO NOTHING`,
			rec.CycleID, rec.StartedAt, rec.EndedAt, rec.Session, rec.Regime,
			rec.AgentStepsUsed, rec.Errors, rec.FinalEquity)
		if err != nil {
			m.logger.Printf("[audit] mirror cycle %d failed: %v", rec.CycleID, err)
		}
	})
}

// MirrorFill asynchronously inserts rec into order_fills.
func (m *Mirror) MirrorFill(rec logsink.OrderFillRecord) {
	m.enqueue(func(ctx context.Context) {
		_, err := m.exec.Exec(ctx, `
			INSERT INTO order_fills (cycle_id, at, symbol, order_id, status)
			VALUES ($1, $2, $3, $4, $5)`,
			rec.CycleID, rec.At, rec.Symbol, rec.OrderID, rec.Status)
		if err != nil {
			m.logger.Printf("[audit] mirror fill %s failed: %v", rec.OrderID, err)
		}
	})
}

// MirrorScanBatch asynchronously upserts a scan run's summary into
// scan_batches. The per-symbol watchlist entries are not mirrored
// individually — the hot/archive SQLite stores remain authoritative for
// those; this row exists so BI tooling can see scan cadence and regime
// without reading JSONL.
func (m *Mirror) MirrorScanBatch(batch ScanBatch, recordedAt time.Time) {
	m.enqueue(func(ctx context.Context) {
		_, err := m.exec.Exec(ctx, `
			INSERT INTO scan_batches (scan_date, entry_count, regime, total_scanned, recorded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (scan_date) DO UPDATE SET
				entry_count = EXCLUDED.entry_count,
				regime = EXCLUDED.regime,
				total_scanned = EXCLUDED.total_scanned,
				recorded_at = EXCLUDED.recorded_at`,
			batch.ScanDate, len(batch.Entries), string(batch.Regime.Regime),
			batch.Stats.TotalScanned, recordedAt)
		if err != nil {
			m.logger.Printf("[audit] mirror scan batch %s failed: %v", batch.ScanDate, err)
		}
	})
}

// Close stops the worker, waits for it to drain its current job, and closes
// the pool. Queued-but-undrained jobs are discarded — by design, mirroring
// is best-effort, not a durability guarantee.
func (m *Mirror) Close() {
	m.cancel()
	<-m.done
	if m.pool != nil {
		m.pool.Close()
	}
}
