package momentum

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const hotRetentionDays = 30

// HotCache is the repeatedly-read working set: one row set per scan date,
// destructively replaced on each scan and purged after 30 days.
type HotCache struct {
	db *sql.DB
}

// NewHotCache opens (and if needed creates) the hot cache database at path.
func NewHotCache(path string) (*HotCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("momentum: open hot cache: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer per spec §3.7; sqlite file lock otherwise serializes anyway

	if err := initHotSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &HotCache{db: db}, nil
}

func initHotSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daily_movers (
			scan_date      TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			direction      TEXT NOT NULL,
			rank           INTEGER NOT NULL,
			open           REAL NOT NULL,
			high           REAL NOT NULL,
			low            REAL NOT NULL,
			close          REAL NOT NULL,
			volume         INTEGER NOT NULL,
			change_pct     REAL NOT NULL,
			indicators     TEXT NOT NULL,
			momentum_score REAL NOT NULL,
			PRIMARY KEY (scan_date, symbol)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_movers_scan_date ON daily_movers(scan_date)`,
		`CREATE TABLE IF NOT EXISTS regime (
			scan_date      TEXT PRIMARY KEY,
			regime         TEXT NOT NULL,
			spy_change_pct REAL NOT NULL,
			qqq_change_pct REAL NOT NULL,
			market_score   REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_stats (
			scan_date             TEXT PRIMARY KEY,
			total_scanned         INTEGER NOT NULL,
			high_volume_count     INTEGER NOT NULL,
			gainers_count         INTEGER NOT NULL,
			losers_count          INTEGER NOT NULL,
			avg_change_pct        REAL NOT NULL,
			max_change_pct        REAL NOT NULL,
			min_change_pct        REAL NOT NULL,
			scan_duration_seconds REAL NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("momentum: init hot schema: %w", err)
		}
	}
	return nil
}

// Replace destructively rewrites the hot cache for result.ScanDate: delete
// any existing rows for that date, then batch-insert the new set, all
// inside one transaction. After committing, purges rows older than 30 days.
func (h *HotCache) Replace(ctx context.Context, result ScanResult) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("momentum: begin hot replace tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_movers WHERE scan_date = ?`, result.ScanDate); err != nil {
		return fmt.Errorf("momentum: delete daily_movers for %s: %w", result.ScanDate, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM regime WHERE scan_date = ?`, result.ScanDate); err != nil {
		return fmt.Errorf("momentum: delete regime for %s: %w", result.ScanDate, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scan_stats WHERE scan_date = ?`, result.ScanDate); err != nil {
		return fmt.Errorf("momentum: delete scan_stats for %s: %w", result.ScanDate, err)
	}

	insertEntry, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_movers
			(scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("momentum: prepare daily_movers insert: %w", err)
	}
	defer insertEntry.Close()

	for _, e := range result.Entries {
		if _, err := insertEntry.ExecContext(ctx,
			e.ScanDate, e.Symbol, string(e.Direction), e.Rank,
			e.Open, e.High, e.Low, e.Close, e.Volume, e.ChangePct,
			string(e.Indicators), e.MomentumScore,
		); err != nil {
			return fmt.Errorf("momentum: insert daily_movers entry %s: %w", e.Symbol, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO regime (scan_date, regime, spy_change_pct, qqq_change_pct, market_score)
		VALUES (?, ?, ?, ?, ?)`,
		result.Regime.ScanDate, string(result.Regime.Regime),
		result.Regime.SPYChangePct, result.Regime.QQQChangePct, result.Regime.MarketScore,
	); err != nil {
		return fmt.Errorf("momentum: insert regime: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_stats
			(scan_date, total_scanned, high_volume_count, gainers_count, losers_count,
			 avg_change_pct, max_change_pct, min_change_pct, scan_duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.Stats.ScanDate, result.Stats.TotalScanned, result.Stats.HighVolumeCount,
		result.Stats.GainersCount, result.Stats.LosersCount, result.Stats.AvgChangePct,
		result.Stats.MaxChangePct, result.Stats.MinChangePct, result.Stats.ScanDurationSeconds,
	); err != nil {
		return fmt.Errorf("momentum: insert scan_stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("momentum: commit hot replace tx: %w", err)
	}

	return h.purgeOlderThan(ctx, result.ScanDate)
}

// purgeOlderThan drops rows whose scan_date is more than 30 days before
// referenceDate (the exchange-local date string of the scan just written).
func (h *HotCache) purgeOlderThan(ctx context.Context, referenceDate string) error {
	ref, err := time.Parse("2006-01-02", referenceDate)
	if err != nil {
		return fmt.Errorf("momentum: parse reference date: %w", err)
	}
	cutoff := ref.AddDate(0, 0, -hotRetentionDays).Format("2006-01-02")

	for _, table := range []string{"daily_movers", "regime", "scan_stats"} {
		if _, err := h.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE scan_date < ?`, table), cutoff); err != nil {
			return fmt.Errorf("momentum: purge %s older than %s: %w", table, cutoff, err)
		}
	}
	return nil
}

// Watchlist returns all entries for scanDate, ordered by rank within each direction.
func (h *HotCache) Watchlist(ctx context.Context, scanDate string) ([]WatchlistEntry, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score
		FROM daily_movers WHERE scan_date = ? ORDER BY direction, rank`, scanDate)
	if err != nil {
		return nil, fmt.Errorf("momentum: query daily_movers: %w", err)
	}
	defer rows.Close()

	var entries []WatchlistEntry
	for rows.Next() {
		var e WatchlistEntry
		var direction, indicators string
		if err := rows.Scan(&e.ScanDate, &e.Symbol, &direction, &e.Rank,
			&e.Open, &e.High, &e.Low, &e.Close, &e.Volume, &e.ChangePct, &indicators, &e.MomentumScore); err != nil {
			return nil, fmt.Errorf("momentum: scan daily_movers row: %w", err)
		}
		e.Direction = Direction(direction)
		e.Indicators = []byte(indicators)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasScanDate reports whether the hot cache already has rows for scanDate.
func (h *HotCache) HasScanDate(ctx context.Context, scanDate string) (bool, error) {
	var count int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_stats WHERE scan_date = ?`, scanDate).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("momentum: check scan date: %w", err)
	}
	return count > 0, nil
}

// LatestScanDate returns the most recent scan_date present in the hot cache.
func (h *HotCache) LatestScanDate(ctx context.Context) (string, error) {
	var scanDate string
	err := h.db.QueryRowContext(ctx, `SELECT scan_date FROM scan_stats ORDER BY scan_date DESC LIMIT 1`).Scan(&scanDate)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("momentum: latest scan date: %w", err)
	}
	return scanDate, nil
}

// Regime returns the market regime row for scanDate.
func (h *HotCache) Regime(ctx context.Context, scanDate string) (MarketRegime, error) {
	var r MarketRegime
	var regime string
	err := h.db.QueryRowContext(ctx, `
		SELECT scan_date, regime, spy_change_pct, qqq_change_pct, market_score
		FROM regime WHERE scan_date = ?`, scanDate,
	).Scan(&r.ScanDate, &regime, &r.SPYChangePct, &r.QQQChangePct, &r.MarketScore)
	if err != nil {
		return MarketRegime{}, fmt.Errorf("momentum: query regime: %w", err)
	}
	r.Regime = Regime(regime)
	return r, nil
}

// Stats returns the scan statistics row for scanDate.
func (h *HotCache) Stats(ctx context.Context, scanDate string) (ScanStats, error) {
	var s ScanStats
	err := h.db.QueryRowContext(ctx, `
		SELECT scan_date, total_scanned, high_volume_count, gainers_count, losers_count,
		       avg_change_pct, max_change_pct, min_change_pct, scan_duration_seconds
		FROM scan_stats WHERE scan_date = ?`, scanDate,
	).Scan(&s.ScanDate, &s.TotalScanned, &s.HighVolumeCount, &s.GainersCount, &s.LosersCount,
		&s.AvgChangePct, &s.MaxChangePct, &s.MinChangePct, &s.ScanDurationSeconds)
	if err != nil {
		return ScanStats{}, fmt.Errorf("momentum: query scan stats: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (h *HotCache) Close() error {
	return h.db.Close()
}
