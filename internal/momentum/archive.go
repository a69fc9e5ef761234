package momentum

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive is the append-only historical superset of every scan ever run.
// Never purged; writes are UPSERTs keyed on (scan_date, symbol), so
// re-archiving a date is idempotent.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (and if needed creates) the archive database at path.
func NewArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("momentum: open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initArchiveSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func initArchiveSchema(db *sql.DB) error {
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
			archived_at    TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (scan_date, symbol)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_movers_history_scan_date ON daily_movers(scan_date)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_movers_history_symbol ON daily_movers(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_movers_history_symbol_scan_date ON daily_movers(symbol, scan_date)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_movers_history_direction_rank ON daily_movers(direction, rank)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("momentum: init archive schema: %w", err)
		}
	}
	return nil
}

// Upsert archives result's entries keyed on (scan_date, symbol): an existing
// row has its content and updated_at overwritten and keeps its original
// archived_at. A failed archive must not roll back the caller's
// hot-cache write; callers should log ARCHIVE_FAILED and retry next scan
// rather than treat this as fatal.
func (a *Archive) Upsert(ctx context.Context, result ScanResult) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("momentum: begin archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_movers
			(scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score, archived_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scan_date, symbol) DO UPDATE SET
			direction = excluded.direction,
			rank = excluded.rank,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			change_pct = excluded.change_pct,
			indicators = excluded.indicators,
			momentum_score = excluded.momentum_score,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("momentum: prepare archive upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range result.Entries {
		if _, err := stmt.ExecContext(ctx,
			e.ScanDate, e.Symbol, string(e.Direction), e.Rank,
			e.Open, e.High, e.Low, e.Close, e.Volume, e.ChangePct,
			string(e.Indicators), e.MomentumScore, now, now,
		); err != nil {
			return fmt.Errorf("momentum: upsert archive entry %s: %w", e.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("momentum: commit archive tx: %w", err)
	}
	return nil
}

// Symbol returns the full archived time series for a single symbol,
// ordered by scan date ascending.
func (a *Archive) Symbol(ctx context.Context, symbol string) ([]WatchlistEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score
		FROM daily_movers WHERE symbol = ? ORDER BY scan_date ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("momentum: query symbol history: %w", err)
	}
	defer rows.Close()

	var entries []WatchlistEntry
	for rows.Next() {
		var e WatchlistEntry
		var direction, indicators string
		if err := rows.Scan(&e.ScanDate, &e.Symbol, &direction, &e.Rank,
			&e.Open, &e.High, &e.Low, &e.Close, &e.Volume, &e.ChangePct, &indicators, &e.MomentumScore); err != nil {
			return nil, fmt.Errorf("momentum: scan history row: %w", err)
		}
		e.Direction = Direction(direction)
		e.Indicators = []byte(indicators)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
