// Command traderd is the entry point for the trading daemon.
//
// The daemon:
//  1. Loads configuration (signature, risk limits, scanner/agent/cycle
//     policy, tool adapter settings).
//  2. Builds the exchange-session classifier, risk governor, momentum
//     cache, scanner, tool capability adapter, and agent supervisor.
//  3. Hands all of that to the cycle orchestrator, which drives the
//     CHECK_TIME -> CHECK_RISK -> MAYBE_SCAN -> RUN_CYCLE -> PERSIST ->
//     MAYBE_EOD_FLAT -> WAIT loop until shutdown.
//  4. Optionally starts the /metrics+/healthz surface and the order
//     postback webhook, and mirrors cycle/fill/scan records into Postgres
//     when an audit DSN is configured.
//
// Exit codes: 0 clean shutdown, 1 initialization failure, 2 fatal repeated
// cycle failures (spec §6.3).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duskline/traderd/internal/agent"
	"github.com/duskline/traderd/internal/audit"
	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/logsink"
	"github.com/duskline/traderd/internal/metrics"
	"github.com/duskline/traderd/internal/momentum"
	"github.com/duskline/traderd/internal/orchestrator"
	"github.com/duskline/traderd/internal/risk"
	"github.com/duskline/traderd/internal/scanner"
	"github.com/duskline/traderd/internal/session"
	"github.com/duskline/traderd/internal/tools"
	"github.com/duskline/traderd/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	confirmLive := flag.Bool("confirm-live", false, "required safety flag to run in live trading mode")
	flag.Parse()

	logger := log.New(os.Stdout, "[traderd] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("failed to load config: %v", err)
		os.Exit(1)
	}
	logger.Printf("config loaded: signature=%s mode=%s", cfg.Signature, cfg.TradingMode)

	if err := requireLiveConfirmation(cfg, *confirmLive); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.TradingMode == config.ModeLive {
		logger.Println("LIVE MODE ACTIVE — real orders will be placed through the configured broker")
	} else {
		logger.Println("PAPER MODE — simulated orders only, no real money at risk")
	}

	if err := run(cfg, logger); err != nil {
		if err == orchestrator.ErrFatalCycleFailures {
			logger.Printf("shutting down: %v", err)
			os.Exit(2)
		}
		logger.Printf("shutting down: %v", err)
		os.Exit(1)
	}
	logger.Println("clean shutdown")
}

// requireLiveConfirmation enforces the two-factor live-mode gate (spec
// §6.3): both --confirm-live and TRADERD_LIVE_CONFIRMED=true are required
// to start in live mode, so a stray flag or a stray env var alone can never
// arm real order placement.
func requireLiveConfirmation(cfg *config.Config, confirmLiveFlag bool) error {
	if cfg.TradingMode != config.ModeLive {
		return nil
	}
	envConfirmed := os.Getenv("TRADERD_LIVE_CONFIRMED") == "true"
	if confirmLiveFlag && envConfirmed {
		return nil
	}

	lines := []string{
		"",
		"  ╔═══════════════════════════════════════════════════════════╗",
		"  ║                    ⚠  LIVE MODE BLOCKED  ⚠                ║",
		"  ╠═══════════════════════════════════════════════════════════╣",
		"  ║  Live trading requires TWO explicit confirmations:        ║",
		"  ║                                                            ║",
		"  ║  1. CLI flag:  --confirm-live                              ║",
		"  ║  2. Env var:   TRADERD_LIVE_CONFIRMED=true                 ║",
		"  ╚═══════════════════════════════════════════════════════════╝",
		"",
	}
	if !confirmLiveFlag {
		lines = append(lines, "  MISSING: --confirm-live flag")
	}
	if !envConfirmed {
		lines = append(lines, "  MISSING: TRADERD_LIVE_CONFIRMED=true environment variable")
	}
	lines = append(lines, "")

	banner := ""
	for _, line := range lines {
		banner += line + "\n"
	}
	return fmt.Errorf("%s", banner)
}

// run wires every component and blocks until the orchestrator returns.
func run(cfg *config.Config, logger *log.Logger) error {
	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		return fmt.Errorf("load exchange timezone %q: %w", cfg.Session.Timezone, err)
	}
	policy := session.DefaultPolicy()
	policy.Location = loc

	classifier, err := session.New(policy, cfg.Session.HolidayFilePath, nil)
	if err != nil {
		return fmt.Errorf("build session classifier: %w", err)
	}

	caps, err := buildCapabilities(cfg)
	if err != nil {
		return fmt.Errorf("build tool capabilities: %w", err)
	}

	account, err := caps.GetAccount(context.Background())
	if err != nil {
		return fmt.Errorf("initial account snapshot: %w", err)
	}
	logger.Printf("starting equity: %.2f", account.Equity)

	riskPath := cfg.LogPath + "/" + cfg.Signature + "/risk_management.json"
	governor, err := risk.NewGovernor(riskPath, cfg.Risk, account.Equity, time.Now())
	if err != nil {
		logger.Printf("risk governor state warning: %v (continuing with reinitialized state)", err)
	}

	breaker := risk.NewBreaker(cfg.Risk.Breaker, logger)

	hotPath := cfg.LogPath + "/" + cfg.Signature + "/momentum_cache.db"
	archivePath := cfg.LogPath + "/" + cfg.Signature + "/momentum_history.db"
	cache, err := momentum.New(hotPath, archivePath, logger)
	if err != nil {
		return fmt.Errorf("open momentum cache: %w", err)
	}

	scan := scanner.New(cfg.Scanner, caps, cache, logger)

	supervisor := agent.New(cfg.Agent.BaseURL, cfg.Agent.APIKey, cfg.Agent, caps, breaker, logger)

	sink := logsink.New(cfg.LogPath, cfg.Signature, loc)

	orch := orchestrator.New(classifier, governor, cache, cfg.Scanner, scan, supervisor, sink,
		caps, breaker, cfg.Cycle, cfg.Agent.SystemPrompt, loc, logsink.NewProcessLogger(os.Stdout))

	var mirror *audit.Mirror
	if cfg.AuditDSN != "" {
		mctx, mcancel := context.WithTimeout(context.Background(), 10*time.Second)
		mirror, err = audit.New(mctx, cfg.AuditDSN, logger)
		mcancel()
		if err != nil {
			logger.Printf("WARNING: audit mirror unavailable: %v — continuing without it", err)
		} else {
			orch.SetAuditMirror(mirror)
			logger.Println("audit mirror active")
			defer mirror.Close()
		}
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.Init()
		metricsServer = metrics.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.Metrics.Port), logger)
		if err := metricsServer.Start(); err != nil {
			logger.Printf("WARNING: metrics server failed to start: %v", err)
		}
	}

	var whServer *webhook.Server
	if cfg.Webhook.Enabled {
		whServer = webhook.NewServer(webhook.Config{
			Port:    cfg.Webhook.Port,
			Path:    cfg.Webhook.Path,
			Enabled: cfg.Webhook.Enabled,
		}, logger)
		registerPostbackLogging(whServer, logger)
		if err := whServer.Start(); err != nil {
			logger.Printf("WARNING: webhook server failed to start: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if whServer != nil {
		if err := whServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("webhook shutdown error: %v", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("metrics shutdown error: %v", err)
		}
	}

	return runErr
}

// buildCapabilities selects the tool capability Set for the configured
// trading mode: a seeded in-memory paper adapter, or the registered REST
// adapter wired to its own failure breaker (a separate instance from the one
// run() hands to the supervisor and orchestrator).
func buildCapabilities(cfg *config.Config) (tools.Set, error) {
	if cfg.TradingMode == config.ModePaper {
		book := tools.PaperBook{}
		if cfg.Tools.PaperBookPath != "" {
			data, err := os.ReadFile(cfg.Tools.PaperBookPath)
			if err != nil {
				return nil, fmt.Errorf("read paper book %q: %w", cfg.Tools.PaperBookPath, err)
			}
			if err := json.Unmarshal(data, &book); err != nil {
				return nil, fmt.Errorf("parse paper book %q: %w", cfg.Tools.PaperBookPath, err)
			}
		}
		return tools.NewPaperAdapter(cfg.Tools.InitialCapital, book), nil
	}

	restCfg := tools.RESTConfig{BaseURL: cfg.Tools.BaseURL, APIKey: cfg.Tools.APIKey}
	configJSON, err := json.Marshal(restCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal rest adapter config: %w", err)
	}
	set, err := tools.New("rest", configJSON)
	if err != nil {
		return nil, err
	}
	if rest, ok := set.(*tools.RESTAdapter); ok {
		breaker := risk.NewBreaker(cfg.Risk.Breaker, nil)
		return rest.WithBreaker(breaker), nil
	}
	return set, nil
}

// registerPostbackLogging logs every order postback the webhook receives.
// The orchestrator itself never subscribes — it relies on the synchronous
// place_order acknowledgement for fills; the postback is a best-effort
// signal surfaced here purely for operator visibility.
func registerPostbackLogging(whServer *webhook.Server, logger *log.Logger) {
	whServer.OnOrderUpdate(func(u webhook.OrderUpdate) {
		logger.Printf("[postback] order=%s symbol=%s side=%s status=%s filled=%.0f/%.0f avg=%.2f tag=%s",
			u.OrderID, u.Symbol, u.Side, u.Status, u.FilledQty, u.Quantity, u.AveragePrice, u.CorrelationID)
		if u.ErrorCode != "" {
			logger.Printf("[postback] error: %s — %s", u.ErrorCode, u.ErrorMessage)
		}
	})
}
