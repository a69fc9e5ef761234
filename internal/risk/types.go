package risk

import "time"

// SuspensionReason names why the governor has blocked new entries.
type SuspensionReason string

const (
	ReasonNone              SuspensionReason = ""
	ReasonMonthlyDrawdown   SuspensionReason = "MONTHLY_DRAWDOWN"
	ReasonManualHalt        SuspensionReason = "MANUAL_HALT"
)

// TradeResult is a single closed-trade outcome fed to record_trade.
type TradeResult struct {
	Symbol    string    `json:"symbol"`
	PnL       float64   `json:"pnl"`
	ClosedAt  time.Time `json:"closed_at"`
}

// ringSize bounds last_trade_results per spec §3.5.
const ringSize = 50

// State is the persisted risk state owned exclusively by the Governor.
type State struct {
	MonthKey          string           `json:"month_key"` // YYYY-MM
	MonthStartEquity  float64          `json:"month_start_equity"`
	MonthHighEquity   float64          `json:"month_high_equity"`
	CurrentEquity     float64          `json:"current_equity"`
	CurrentDrawdownPct float64         `json:"current_drawdown_pct"`
	Suspended         bool             `json:"suspended"`
	SuspensionReason  SuspensionReason `json:"suspension_reason"`
	TradeCountToday   int              `json:"trade_count_today"`
	PerSymbolDayCount map[string]int   `json:"per_symbol_day_counters"`
	ConsecutiveLosses int              `json:"consecutive_losses"`
	LastTradeResults  []TradeResult    `json:"last_trade_results"`
	ManualHalt        bool             `json:"manual_halt"`
}

// Status is the read-only snapshot returned by Governor.Status.
type Status struct {
	Allowed      bool             `json:"allowed"`
	Reason       SuspensionReason `json:"reason,omitempty"`
	DrawdownPct  float64          `json:"drawdown_pct"`
	MonthHigh    float64          `json:"month_high"`
	Current      float64          `json:"current"`
}

func monthKey(at time.Time) string {
	return at.Format("2006-01")
}
