// Package config - watcher.go provides config file hot-reload support.
//
// The watcher polls the config file for changes (stat-based, every 5 seconds)
// and notifies registered callbacks when risk parameters change.
//
// Only the Risk sub-tree is reloadable. Signature, trading mode, tool
// endpoints, and other structural settings require a daemon restart.
package config

import (
	"log"
	"os"
	"sync"
	"time"
)

// Watcher monitors the config file for changes and invokes callbacks when
// risk-related fields change. It uses stat-based polling (no external
// filesystem-event dependency required).
type Watcher struct {
	path     string
	logger   *log.Logger
	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	onChange []func(old, new *Config)
	done     chan struct{}
	stopped  bool
}

// NewWatcher creates a watcher for the given config file path. initial is
// the currently loaded config. The watcher does not start until Start()
// is called.
func NewWatcher(path string, initial *Config, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		current: initial,
		done:    make(chan struct{}),
	}
}

// OnChange registers a callback invoked when the config file changes and
// the new config passes validation. Multiple callbacks may be registered.
//
// Only risk config changes trigger callbacks; everything else requires a
// restart to take effect.
func (w *Watcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins polling the config file for changes. It returns immediately;
// the watcher runs in a background goroutine. Returns an error if the
// initial file stat fails.
func (w *Watcher) Start() error {
	info, err := statPath(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info
	w.logger.Printf("[config-watcher] watching %s for changes (poll interval: 5s)", w.path)

	go w.pollLoop()
	return nil
}

// Stop stops the config watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
		w.logger.Println("[config-watcher] stopped")
	}
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) checkForChanges() {
	modTime, err := statPath(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] stat error: %v", err)
		return
	}

	if !modTime.After(w.lastMod) {
		return // file hasn't changed
	}
	w.lastMod = modTime

	newCfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] reload error (keeping old config): %v", err)
		return
	}

	w.mu.RLock()
	oldCfg := w.current
	w.mu.RUnlock()

	if !riskConfigChanged(oldCfg.Risk, newCfg.Risk) {
		w.logger.Printf("[config-watcher] file changed but risk config unchanged, skipping")
		return
	}

	w.logRiskChanges(oldCfg.Risk, newCfg.Risk)

	w.mu.Lock()
	w.current = newCfg
	callbacks := make([]func(old, new *Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(oldCfg, newCfg)
	}
}

func statPath(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// riskConfigChanged returns true if any risk-related field changed.
func riskConfigChanged(old, new RiskConfig) bool {
	return old != new
}

func (w *Watcher) logRiskChanges(old, new RiskConfig) {
	if old.MonthlyDrawdownLimitPct != new.MonthlyDrawdownLimitPct {
		w.logger.Printf("[config-watcher] monthly_drawdown_limit_pct: %.2f -> %.2f", old.MonthlyDrawdownLimitPct, new.MonthlyDrawdownLimitPct)
	}
	if old.PerTradeRiskPct != new.PerTradeRiskPct {
		w.logger.Printf("[config-watcher] per_trade_risk_pct: %.2f -> %.2f", old.PerTradeRiskPct, new.PerTradeRiskPct)
	}
	if old.PerTradeValueCapPct != new.PerTradeValueCapPct {
		w.logger.Printf("[config-watcher] per_trade_value_cap_pct: %.2f -> %.2f", old.PerTradeValueCapPct, new.PerTradeValueCapPct)
	}
	if old.Breaker != new.Breaker {
		w.logger.Printf("[config-watcher] breaker: consecutive=%d hourly=%d cooldown=%dmin",
			new.Breaker.MaxConsecutiveFailures, new.Breaker.MaxFailuresPerHour, new.Breaker.CooldownMinutes)
	}
}
