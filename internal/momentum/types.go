// Package momentum implements the two-tier SQLite cache (spec C3): a
// destructively-replaced hot working set and an append-only historical
// archive, both keyed by exchange-local scan date.
//
// Grounded on the teacher's internal/storage.Store — an interface plus a
// concrete driver-backed implementation, ctx-first method signatures — but
// re-platformed onto modernc.org/sqlite (pure Go, no cgo) since this spec
// mandates two co-located SQLite files rather than a shared Postgres
// instance. The Postgres driver the teacher carried is not discarded; see
// internal/audit for its new home.
package momentum

import "encoding/json"

// Direction is which side of the momentum ranking a watchlist entry sits on.
type Direction string

const (
	Gainer Direction = "gainer"
	Loser  Direction = "loser"
)

// WatchlistEntry is a single ranked symbol for a scan date (spec §3.2).
type WatchlistEntry struct {
	ScanDate      string          `json:"scan_date"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Rank          int             `json:"rank"`
	Open          float64         `json:"open"`
	High          float64         `json:"high"`
	Low           float64         `json:"low"`
	Close         float64         `json:"close"`
	Volume        int64           `json:"volume"`
	ChangePct     float64         `json:"change_pct"`
	Indicators    json.RawMessage `json:"indicators"`
	MomentumScore float64         `json:"momentum_score"`
}

// Regime is the market-wide regime classification for a scan date (§3.3).
type Regime string

const (
	Bullish Regime = "bullish"
	Bearish Regime = "bearish"
	Neutral Regime = "neutral"
)

// MarketRegime holds the broad-market read for a scan date.
type MarketRegime struct {
	ScanDate     string  `json:"scan_date"`
	Regime       Regime  `json:"regime"`
	SPYChangePct float64 `json:"spy_change_pct"`
	QQQChangePct float64 `json:"qqq_change_pct"`
	MarketScore  float64 `json:"market_score"`
}

// ScanStats summarizes a single scan run (§3.4).
type ScanStats struct {
	ScanDate            string  `json:"scan_date"`
	TotalScanned        int     `json:"total_scanned"`
	HighVolumeCount     int     `json:"high_volume_count"`
	GainersCount        int     `json:"gainers_count"`
	LosersCount         int     `json:"losers_count"`
	AvgChangePct        float64 `json:"avg_change_pct"`
	MaxChangePct        float64 `json:"max_change_pct"`
	MinChangePct        float64 `json:"min_change_pct"`
	ScanDurationSeconds float64 `json:"scan_duration_seconds"`
}

// ScanResult is the unit of work the scanner hands to the cache: one scan
// date's worth of ranked entries plus the regime and stats computed
// alongside it.
type ScanResult struct {
	ScanDate string
	Entries  []WatchlistEntry
	Regime   MarketRegime
	Stats    ScanStats
}
