package audit

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duskline/traderd/internal/logsink"
	"github.com/duskline/traderd/internal/momentum"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeExec records every Exec call so tests can assert on what the mirror
// attempted to write, without a live Postgres connection.
type fakeExec struct {
	mu    sync.Mutex
	calls []string
	err   error
	done  chan struct{} // closed after the Nth call, for synchronizing with the async worker
	want  int
}

func newFakeExec(wantCalls int) *fakeExec {
	return &fakeExec{done: make(chan struct{}), want: wantCalls}
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sql)
	n := len(f.calls)
	f.mu.Unlock()
	if n == f.want {
		close(f.done)
	}
	return pgconn.CommandTag{}, f.err
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitOrTimeout(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirror worker to process job")
	}
}

func TestMirror_MirrorCycleDispatchesInsert(t *testing.T) {
	exec := newFakeExec(1)
	m := newMirror(nil, exec, discardLogger())
	defer m.Close()

	m.MirrorCycle(logsink.CycleRecord{CycleID: 1, FinalEquity: 100000})
	waitOrTimeout(t, exec.done)

	if exec.callCount() != 1 {
		t.Fatalf("expected 1 exec call, got %d", exec.callCount())
	}
}

func TestMirror_MirrorFillDispatchesInsert(t *testing.T) {
	exec := newFakeExec(1)
	m := newMirror(nil, exec, discardLogger())
	defer m.Close()

	m.MirrorFill(logsink.OrderFillRecord{CycleID: 1, Symbol: "AAPL", OrderID: "ord-1", Status: "filled"})
	waitOrTimeout(t, exec.done)

	if exec.callCount() != 1 {
		t.Fatalf("expected 1 exec call, got %d", exec.callCount())
	}
}

func TestMirror_MirrorScanBatchDispatchesUpsert(t *testing.T) {
	exec := newFakeExec(1)
	m := newMirror(nil, exec, discardLogger())
	defer m.Close()

	batch := ScanBatch{
		ScanDate: "2026-07-28",
		Entries:  []momentum.WatchlistEntry{{Symbol: "AAPL"}, {Symbol: "TSLA"}},
		Regime:   momentum.MarketRegime{Regime: momentum.Bullish},
		Stats:    momentum.ScanStats{TotalScanned: 50},
	}
	m.MirrorScanBatch(batch, time.Date(2026, 7, 28, 16, 0, 0, 0, time.UTC))
	waitOrTimeout(t, exec.done)

	if exec.callCount() != 1 {
		t.Fatalf("expected 1 exec call, got %d", exec.callCount())
	}
}

func TestMirror_QueueFullDropsWriteWithoutBlocking(t *testing.T) {
	// Use a blocking exec so the queue backs up, then confirm the caller
	// never blocks even once the queue is saturated.
	block := make(chan struct{})
	exec := &fakeExec{done: make(chan struct{})}
	blockingExec := func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
		<-block
		return exec.Exec(ctx, sql, args...)
	}

	m := newMirror(nil, execFunc(blockingExec), discardLogger())
	defer func() {
		close(block)
		m.Close()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < mirrorQueueDepth+10; i++ {
			m.MirrorCycle(logsink.CycleRecord{CycleID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MirrorCycle calls blocked instead of dropping once the queue filled")
	}
}

// execFunc adapts a function literal to the execer interface for the
// queue-saturation test above.
type execFunc func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)

func (f execFunc) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return f(ctx, sql, args...)
}
