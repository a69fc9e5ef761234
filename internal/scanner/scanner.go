// Package scanner implements the pre-market scanner (spec C4): one pass over
// a symbol universe that ranks gainers/losers, derives a market regime from
// SPY/QQQ, and writes the result into the momentum cache.
//
// The teacher has no scanner of its own — its AI scoring runs out of process
// in Python and is read back from a file contract — so this package is new,
// but its per-symbol fetch-then-filter loop is grounded on the market-hour
// job bodies in the teacher's cmd/engine/main.go, and concurrent per-symbol
// fetches use golang.org/x/sync/errgroup, the same indirect dependency the
// teacher already carries (promoted to direct here).
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/indicators"
	"github.com/duskline/traderd/internal/momentum"
	"github.com/duskline/traderd/internal/tools"
)

// maxConcurrentFetches bounds how many per-symbol OHLCV fetches run at once.
const maxConcurrentFetches = 8

// ErrInsufficientResults is returned when a scan produces fewer than one
// gainer and one loser, per spec §4.4's success criterion.
var ErrInsufficientResults = fmt.Errorf("SCAN_FALLBACK: scan produced no usable gainer/loser set")

// Scanner runs one pre-market scan pass against a tool capability Set and
// writes the result into the momentum cache.
type Scanner struct {
	policy config.ScannerConfig
	caps   tools.Set
	cache  *momentum.Cache
	logger *log.Logger
}

// New creates a Scanner. Pass a nil logger to use a default one.
func New(policy config.ScannerConfig, caps tools.Set, cache *momentum.Cache, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Scanner{policy: policy, caps: caps, cache: cache, logger: logger}
}

type symbolSnapshot struct {
	symbol       string
	open         float64
	high         float64
	low          float64
	close        float64
	volume       int64
	changePct    float64
	indicatorRaw json.RawMessage
}

// Scan runs one full pre-market pass for scanDate (exchange-local, YYYY-MM-DD)
// and writes the resulting ScanResult into the cache. Per-symbol fetch
// failures are skipped, not fatal; the scan itself fails only if fewer than
// one gainer and one loser survive.
func (s *Scanner) Scan(ctx context.Context, scanDate string, now time.Time) (momentum.ScanResult, error) {
	start := now

	universe := s.policy.Universe
	snapshots, skipped := s.fetchUniverse(ctx, universe, scanDate)

	filtered := make([]symbolSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if s.passesFilters(snap) {
			filtered = append(filtered, snap)
		}
	}

	gainers, losers := rankMovers(filtered, s.policy.KGainers, s.policy.KLosers)
	if len(gainers) == 0 || len(losers) == 0 {
		return momentum.ScanResult{}, ErrInsufficientResults
	}

	entries := buildEntries(scanDate, gainers, losers)

	regime, err := s.deriveRegime(ctx, scanDate)
	if err != nil {
		s.logger.Printf("SCAN_REGIME_FALLBACK: %v", err)
		regime = momentum.MarketRegime{ScanDate: scanDate, Regime: momentum.Neutral}
	}

	stats := computeStats(scanDate, len(snapshots), s.policy.MinVolume, filtered, skipped, time.Since(start))

	result := momentum.ScanResult{
		ScanDate: scanDate,
		Entries:  entries,
		Regime:   regime,
		Stats:    stats,
	}

	if err := s.cache.Write(ctx, result); err != nil {
		return momentum.ScanResult{}, fmt.Errorf("scanner: write cache: %w", err)
	}

	s.logger.Printf("SCAN_COMPLETE: scan_date=%s total=%d skipped=%d gainers=%d losers=%d duration=%s",
		scanDate, len(snapshots), skipped, len(gainers), len(losers), time.Since(start))

	return result, nil
}

// fetchUniverse fetches the prior-completed trading day's OHLCV for every
// symbol concurrently, bounded by maxConcurrentFetches. A per-symbol error
// is counted as skipped and otherwise ignored.
func (s *Scanner) fetchUniverse(ctx context.Context, universe []string, scanDate string) ([]symbolSnapshot, int) {
	to, err := time.Parse("2006-01-02", scanDate)
	if err != nil {
		to = time.Now()
	}
	from := to.AddDate(0, 0, -1)

	var (
		results = make([]symbolSnapshot, 0, len(universe))
		skipped int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	snapshots := make(chan symbolSnapshot, len(universe))

	for _, symbol := range universe {
		symbol := symbol
		g.Go(func() error {
			bars, err := s.caps.GetDailyBars(gctx, []string{symbol}, from, to)
			if err != nil || len(bars[symbol]) == 0 {
				return nil // per-symbol failure is skipped, not fatal
			}
			bar := bars[symbol][len(bars[symbol])-1]
			if bar.Open == 0 {
				return nil
			}

			raw, err := s.computeIndicators(gctx, symbol)
			if err != nil {
				raw = json.RawMessage(`{}`)
			}

			snapshots <- symbolSnapshot{
				symbol:       symbol,
				open:         bar.Open,
				high:         bar.High,
				low:          bar.Low,
				close:        bar.Close,
				volume:       bar.Volume,
				changePct:    (bar.Close - bar.Open) / bar.Open * 100,
				indicatorRaw: raw,
			}
			return nil
		})
	}
	g.Wait() // errors are swallowed per-symbol above; g.Wait() err is always nil here
	close(snapshots)

	for snap := range snapshots {
		results = append(results, snap)
	}
	skipped = len(universe) - len(results)

	return results, skipped
}

// computeIndicators delegates to the compute_indicators capability; if it
// fails, falls back to local computation from a short bar history, per
// spec §4.4 step 5 ("delegated... when available").
func (s *Scanner) computeIndicators(ctx context.Context, symbol string) (json.RawMessage, error) {
	raw, err := s.caps.ComputeIndicators(ctx, symbol, 50)
	if err == nil && len(raw) > 0 {
		return json.RawMessage(raw), nil
	}

	to := time.Now()
	from := to.AddDate(0, 0, -60)
	bars, bErr := s.caps.GetDailyBars(ctx, []string{symbol}, from, to)
	if bErr != nil {
		return nil, fmt.Errorf("scanner: indicators fallback fetch: %w", bErr)
	}

	candles := make([]indicators.Candle, len(bars[symbol]))
	for i, b := range bars[symbol] {
		candles[i] = indicators.Candle{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	snapshot := indicators.Compute(candles)
	blob, mErr := json.Marshal(snapshot)
	if mErr != nil {
		return nil, mErr
	}
	return blob, nil
}

func (s *Scanner) passesFilters(snap symbolSnapshot) bool {
	if snap.close < s.policy.MinPrice {
		return false
	}
	if snap.volume < s.policy.MinVolume {
		return false
	}
	return true
}

// rankMovers sorts filtered symbols by change_pct and selects the top
// kGainers positive movers and top kLosers negative movers.
func rankMovers(filtered []symbolSnapshot, kGainers, kLosers int) (gainers, losers []symbolSnapshot) {
	sorted := make([]symbolSnapshot, len(filtered))
	copy(sorted, filtered)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].changePct > sorted[j].changePct })

	for _, snap := range sorted {
		if snap.changePct > 0 && len(gainers) < kGainers {
			gainers = append(gainers, snap)
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		snap := sorted[i]
		if snap.changePct < 0 && len(losers) < kLosers {
			losers = append(losers, snap)
		}
	}
	return gainers, losers
}

func buildEntries(scanDate string, gainers, losers []symbolSnapshot) []momentum.WatchlistEntry {
	entries := make([]momentum.WatchlistEntry, 0, len(gainers)+len(losers))
	for i, snap := range gainers {
		entries = append(entries, toEntry(scanDate, snap, momentum.Gainer, i+1))
	}
	for i, snap := range losers {
		entries = append(entries, toEntry(scanDate, snap, momentum.Loser, i+1))
	}
	return entries
}

func toEntry(scanDate string, snap symbolSnapshot, direction momentum.Direction, rank int) momentum.WatchlistEntry {
	return momentum.WatchlistEntry{
		ScanDate:      scanDate,
		Symbol:        snap.symbol,
		Direction:     direction,
		Rank:          rank,
		Open:          snap.open,
		High:          snap.high,
		Low:           snap.low,
		Close:         snap.close,
		Volume:        snap.volume,
		ChangePct:     snap.changePct,
		Indicators:    snap.indicatorRaw,
		MomentumScore: math.Abs(snap.changePct),
	}
}

// deriveRegime fetches SPY/QQQ daily bars and classifies the market regime
// per policy: both up > 0.5% -> bullish; both down > 0.5% -> bearish; else
// neutral.
func (s *Scanner) deriveRegime(ctx context.Context, scanDate string) (momentum.MarketRegime, error) {
	to, err := time.Parse("2006-01-02", scanDate)
	if err != nil {
		to = time.Now()
	}
	from := to.AddDate(0, 0, -1)

	bars, err := s.caps.GetDailyBars(ctx, []string{"SPY", "QQQ"}, from, to)
	if err != nil {
		return momentum.MarketRegime{}, err
	}

	spyPct, err := changePctOf(bars["SPY"])
	if err != nil {
		return momentum.MarketRegime{}, err
	}
	qqqPct, err := changePctOf(bars["QQQ"])
	if err != nil {
		return momentum.MarketRegime{}, err
	}

	regime := momentum.Neutral
	switch {
	case spyPct > 0.5 && qqqPct > 0.5:
		regime = momentum.Bullish
	case spyPct < -0.5 && qqqPct < -0.5:
		regime = momentum.Bearish
	}

	return momentum.MarketRegime{
		ScanDate:     scanDate,
		Regime:       regime,
		SPYChangePct: spyPct,
		QQQChangePct: qqqPct,
		MarketScore:  (spyPct + qqqPct) / 2,
	}, nil
}

func changePctOf(bars []tools.Bar) (float64, error) {
	if len(bars) == 0 {
		return 0, fmt.Errorf("no bars")
	}
	bar := bars[len(bars)-1]
	if bar.Open == 0 {
		return 0, fmt.Errorf("zero open")
	}
	return (bar.Close - bar.Open) / bar.Open * 100, nil
}

func computeStats(scanDate string, totalScanned int, minVolume int64, filtered []symbolSnapshot, skipped int, duration time.Duration) momentum.ScanStats {
	var sum, max, min float64
	gainers, losers, highVolume := 0, 0, 0
	for i, snap := range filtered {
		if i == 0 {
			max, min = snap.changePct, snap.changePct
		}
		sum += snap.changePct
		if snap.changePct > max {
			max = snap.changePct
		}
		if snap.changePct < min {
			min = snap.changePct
		}
		if snap.changePct > 0 {
			gainers++
		} else if snap.changePct < 0 {
			losers++
		}
		if snap.volume >= minVolume {
			highVolume++
		}
	}

	var avg float64
	if len(filtered) > 0 {
		avg = sum / float64(len(filtered))
	}

	return momentum.ScanStats{
		ScanDate:            scanDate,
		TotalScanned:        totalScanned,
		HighVolumeCount:     highVolume,
		GainersCount:        gainers,
		LosersCount:         losers,
		AvgChangePct:        avg,
		MaxChangePct:        max,
		MinChangePct:        min,
		ScanDurationSeconds: duration.Seconds(),
	}
}
