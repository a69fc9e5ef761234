// Package config provides application-wide configuration management.
// All configuration is loaded from a file and environment variables; no
// policy value is hardcoded in the session, risk, scanner, agent, or
// orchestrator packages.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Mode defines whether the system runs in paper or live trading mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config holds all system configuration.
// Loaded once at startup and passed as read-only to all components except
// the Risk sub-tree, which the Watcher may hot-reload.
type Config struct {
	// Signature names this process instance; persisted state (risk state,
	// hot/archive caches, logs) is rooted at {LogPath}/{Signature}/.
	Signature string `mapstructure:"signature"`
	LogPath   string `mapstructure:"log_path"`

	// TradingMode controls whether orders are actually placed (live) or
	// simulated (paper).
	TradingMode Mode `mapstructure:"trading_mode"`

	Session SessionConfig `mapstructure:"session"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Cycle   CycleConfig   `mapstructure:"cycle"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// AuditDSN is an optional Postgres DSN for the best-effort audit mirror.
	// Empty disables the mirror entirely.
	AuditDSN string `mapstructure:"audit_dsn"`
}

// SessionConfig configures the clock & session classifier (C1).
type SessionConfig struct {
	Timezone        string `mapstructure:"timezone"`
	HolidayFilePath string `mapstructure:"holiday_file_path"`
}

// RiskConfig defines hard risk guardrails for the risk governor (C2).
// This sub-tree is hot-reloadable; see Watcher.
type RiskConfig struct {
	// MonthlyDrawdownLimitPct is the maximum drawdown, in percent, from the
	// month's high-water equity mark before trading is suspended.
	MonthlyDrawdownLimitPct float64 `mapstructure:"monthly_drawdown_limit_pct"`

	// PerTradeRiskPct is the percent of equity risked (entry-to-stop) on
	// a single position-sizing call.
	PerTradeRiskPct float64 `mapstructure:"per_trade_risk_pct"`

	// PerTradeValueCapPct caps the notional value of a single position as
	// a percent of equity, regardless of stop distance.
	PerTradeValueCapPct float64 `mapstructure:"per_trade_value_cap_pct"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the shared failure breaker reused across tool
// capability retries and orchestrator fatal-cycle escalation.
type BreakerConfig struct {
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	MaxFailuresPerHour     int `mapstructure:"max_failures_per_hour"`
	CooldownMinutes        int `mapstructure:"cooldown_minutes"`
}

// ScannerConfig configures the pre-market scanner (C4).
type ScannerConfig struct {
	ScanHour     int      `mapstructure:"scan_hour"`
	ScanMinute   int      `mapstructure:"scan_minute"`
	MinPrice     float64  `mapstructure:"min_price"`
	MinVolume    int64    `mapstructure:"min_volume"`
	MinMarketCap float64  `mapstructure:"min_market_cap"`
	KGainers     int      `mapstructure:"k_gainers"`
	KLosers      int      `mapstructure:"k_losers"`
	Universe     []string `mapstructure:"universe"`
}

// AgentConfig configures the agent supervisor (C5). BaseURL/APIKey address
// the reasoner's own OpenAI-compatible chat-completions endpoint — distinct
// from ToolsConfig.BaseURL/APIKey, which address the broker/data adapter.
type AgentConfig struct {
	MaxSteps       int           `mapstructure:"max_steps"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay"`
	Model          string        `mapstructure:"model"`
	SystemPrompt   string        `mapstructure:"system_prompt"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
}

// CycleConfig configures the cycle orchestrator (C6).
type CycleConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// ToolsConfig configures the capability adapters (§6.1).
type ToolsConfig struct {
	DataCallTimeout  time.Duration `mapstructure:"data_call_timeout"`
	TradeCallTimeout time.Duration `mapstructure:"trade_call_timeout"`
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`

	// InitialCapital and PaperBookPath only apply in paper mode: they seed
	// tools.NewPaperAdapter since there is no live account to query. Ignored
	// in live mode, where BaseURL/APIKey back the "rest" adapter instead.
	InitialCapital float64 `mapstructure:"initial_capital"`
	PaperBookPath  string  `mapstructure:"paper_book_path"`
}

// WebhookConfig holds settings for the order-postback HTTP server.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig configures the localhost /healthz and /metrics surface.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration from a file (any format viper supports) and
// layers TRADERD_-prefixed environment variable overrides on top. It first
// attempts to load a local ".env" file; its absence is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading_mode", string(ModePaper))
	v.SetDefault("session.timezone", "America/New_York")
	v.SetDefault("risk.monthly_drawdown_limit_pct", 6.0)
	v.SetDefault("risk.per_trade_risk_pct", 1.0)
	v.SetDefault("risk.per_trade_value_cap_pct", 20.0)
	v.SetDefault("risk.breaker.max_consecutive_failures", 3)
	v.SetDefault("risk.breaker.max_failures_per_hour", 10)
	v.SetDefault("risk.breaker.cooldown_minutes", 30)
	v.SetDefault("scanner.scan_hour", 4)
	v.SetDefault("scanner.scan_minute", 0)
	v.SetDefault("scanner.k_gainers", 50)
	v.SetDefault("scanner.k_losers", 50)
	v.SetDefault("agent.max_steps", 30)
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.base_retry_delay", "1s")
	v.SetDefault("cycle.interval_seconds", 120)
	v.SetDefault("tools.data_call_timeout", "30s")
	v.SetDefault("tools.trade_call_timeout", "60s")
	v.SetDefault("tools.initial_capital", 100000.0)
	v.SetDefault("webhook.path", "/webhook/order")
	v.SetDefault("metrics.port", 9090)
}

// Validate checks that all required configuration fields are present and sane.
func (c *Config) Validate() error {
	if c.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	if c.LogPath == "" {
		return fmt.Errorf("log_path is required")
	}
	if c.TradingMode != ModePaper && c.TradingMode != ModeLive {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	if c.Risk.MonthlyDrawdownLimitPct <= 0 || c.Risk.MonthlyDrawdownLimitPct > 100 {
		return fmt.Errorf("risk.monthly_drawdown_limit_pct must be in (0, 100], got %f", c.Risk.MonthlyDrawdownLimitPct)
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct > 100 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0, 100], got %f", c.Risk.PerTradeRiskPct)
	}
	if c.Risk.PerTradeValueCapPct <= 0 || c.Risk.PerTradeValueCapPct > 100 {
		return fmt.Errorf("risk.per_trade_value_cap_pct must be in (0, 100], got %f", c.Risk.PerTradeValueCapPct)
	}
	if c.Cycle.IntervalSeconds <= 0 {
		return fmt.Errorf("cycle.interval_seconds must be positive, got %d", c.Cycle.IntervalSeconds)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be positive, got %d", c.Agent.MaxSteps)
	}
	if c.Agent.APIKey == "" {
		return fmt.Errorf("agent.api_key is required")
	}

	if c.TradingMode == ModeLive {
		if err := c.validateLiveMode(); err != nil {
			return fmt.Errorf("live mode: %w", err)
		}
	}

	return nil
}

// validateLiveMode enforces extra safety checks when running with real money.
func (c *Config) validateLiveMode() error {
	if c.Tools.BaseURL == "" {
		return fmt.Errorf("tools.base_url is required for live trading")
	}
	if c.Tools.APIKey == "" {
		return fmt.Errorf("tools.api_key is required for live trading")
	}
	// Safety cap: max 2%% risk per trade in live mode.
	if c.Risk.PerTradeRiskPct > 2.0 {
		return fmt.Errorf("risk.per_trade_risk_pct cannot exceed 2%% in live mode (got %.1f%%)", c.Risk.PerTradeRiskPct)
	}
	return nil
}
