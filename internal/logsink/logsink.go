// Package logsink implements the persistent log sink (spec C7): one
// append-only JSONL file per exchange-local calendar date, rooted at
// {log_path}/{signature}/, for cycle records and order fills respectively.
//
// The teacher logs exclusively to stdout via the stdlib log.Logger; no
// other repo in the retrieval pack writes structured JSONL to
// date-partitioned files, so this package is new. It adopts
// github.com/rs/zerolog (carried by poorman-SynapseStrike) for both this
// sink and the ambient process log: zerolog's Logger accepts any io.Writer,
// so the per-date file handle this package already has to open and rotate
// is reused directly as the zerolog output, rather than hand-rolling a
// second JSON encoder alongside the ambient logger.
package logsink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/traderd/internal/tools"
)

// OrderRef is the symbol-qualified order acknowledgement carried in a
// cycle record, independent of whatever tool capability produced it.
type OrderRef struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CycleRecord is one C6 cycle's full outcome (spec §3.6), appended to the
// log/ subtree under the date its cycle started.
type CycleRecord struct {
	CycleID                int64                `json:"cycle_id"`
	StartedAt              time.Time            `json:"started_at"`
	EndedAt                time.Time            `json:"ended_at"`
	Session                string               `json:"session"`
	Regime                 string               `json:"regime"`
	AgentStepsUsed         int                  `json:"agent_steps_used"`
	OrdersSubmitted        []OrderRef           `json:"orders_submitted"`
	OrdersFilled           []OrderRef           `json:"orders_filled"`
	Errors                 []string             `json:"errors"`
	FinalEquity            float64              `json:"final_equity"`
	FinalPositionsSnapshot []tools.PositionView `json:"final_positions_snapshot"`

	// Skipped names the reason RUN_CYCLE was bypassed entirely (e.g.
	// "RISK_SUSPENDED"), left empty for a cycle that actually ran.
	Skipped string `json:"skipped,omitempty"`
}

// OrderFillRecord is one filled order, appended to the trades/ subtree
// separately from its parent cycle record so trade history can be read
// without replaying every cycle.
type OrderFillRecord struct {
	CycleID int64     `json:"cycle_id"`
	At      time.Time `json:"at"`
	Symbol  string    `json:"symbol"`
	OrderID string    `json:"order_id"`
	Status  string    `json:"status"`
}

// dateFile is one open, date-partitioned JSONL file plus the zerolog
// writer over it.
type dateFile struct {
	date   string
	file   *os.File
	logger zerolog.Logger
}

// Sink owns the two date-partitioned JSONL trees (log/, trades/) under one
// signature root. All methods are safe for concurrent use; writes for a
// given tree serialize through sink's mutex, matching the single-writer
// discipline the rest of the persisted state uses.
type Sink struct {
	mu        sync.Mutex
	root      string
	loc       *time.Location
	logFile   *dateFile
	tradeFile *dateFile
}

// New creates a Sink rooted at {logPath}/{signature}/. Directories are
// created lazily on first write, not here.
func New(logPath, signature string, loc *time.Location) *Sink {
	return &Sink{root: filepath.Join(logPath, signature), loc: loc}
}

// AppendCycle writes rec as one JSON line under log/{date}/log.jsonl, where
// date is rec.StartedAt rendered in the sink's exchange timezone.
func (s *Sink) AppendCycle(rec CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := rec.StartedAt.In(s.loc).Format("2006-01-02")
	df, err := s.rollLocked(&s.logFile, "log", date)
	if err != nil {
		return fmt.Errorf("logsink: open log file: %w", err)
	}
	return writeRecord(df, rec)
}

// AppendTrade writes rec as one JSON line under trades/{date}/trades.jsonl.
func (s *Sink) AppendTrade(rec OrderFillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := rec.At.In(s.loc).Format("2006-01-02")
	df, err := s.rollLocked(&s.tradeFile, "trades", date)
	if err != nil {
		return fmt.Errorf("logsink: open trade file: %w", err)
	}
	return writeRecord(df, rec)
}

// writeRecord round-trips rec through JSON into a field map and emits it as
// one zerolog line with no level/message wrapper — the line on disk is
// exactly rec's own fields, not a log envelope around it.
func writeRecord(df *dateFile, rec interface{}) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("logsink: marshal record: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("logsink: decode record fields: %w", err)
	}
	df.logger.Log().Fields(fields).Send()
	return nil
}

// rollLocked returns the open dateFile for subtree/date, closing (with
// fsync) and replacing *cur if the date has advanced. Caller must hold
// s.mu.
func (s *Sink) rollLocked(cur **dateFile, subtree, date string) (*dateFile, error) {
	if *cur != nil && (*cur).date == date {
		return *cur, nil
	}
	if *cur != nil {
		if err := closeDateFile(*cur); err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(s.root, subtree, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: mkdir %s: %w", dir, err)
	}

	fileName := "log.jsonl"
	if subtree == "trades" {
		fileName = "trades.jsonl"
	}

	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", fileName, err)
	}

	df := &dateFile{date: date, file: f, logger: zerolog.New(f)}
	*cur = df
	return df, nil
}

func closeDateFile(df *dateFile) error {
	if err := df.file.Sync(); err != nil {
		df.file.Close()
		return fmt.Errorf("logsink: fsync on day close: %w", err)
	}
	return df.file.Close()
}

// Close fsyncs and closes any open date files, for use at process shutdown.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.logFile != nil {
		if err := closeDateFile(s.logFile); err != nil && firstErr == nil {
			firstErr = err
		}
		s.logFile = nil
	}
	if s.tradeFile != nil {
		if err := closeDateFile(s.tradeFile); err != nil && firstErr == nil {
			firstErr = err
		}
		s.tradeFile = nil
	}
	return firstErr
}

// NewProcessLogger builds the ambient stdout process logger with the same
// library as the JSONL sink, per spec's "one logging dependency end to end"
// rationale, instead of stdlib log for one and a JSON library for the other.
func NewProcessLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
