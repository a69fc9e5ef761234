// Package risk - breaker.go provides the shared failure breaker used to
// halt an activity after repeated failures.
//
// The REST tool adapter holds one Breaker instance keyed to
// tool-capability failures, and the cycle orchestrator holds another keyed
// to fatal-cycle failures (cmd/daemon also hands that second instance to the
// agent supervisor, which records nothing to it). The governor does not use
// a Breaker (spec §4.8: a single circuit breaker algorithm, reused per
// concern rather than duplicated).
// Every caller feeds the same FailureEvent{Capability, At, Err} vocabulary
// (spec §3.8) into RecordFailure, whether the event is one failed
// tool-capability call or one failed cycle, so the breaker's own
// bookkeeping never needs to know which concern it is guarding.
//
// The breaker tracks:
//   - Consecutive failures (e.g. 3 in a row -> trip)
//   - Total failures within a rolling hour (e.g. 10/hour -> trip)
//
// When tripped, the owning caller is expected to block new work until:
//   - The cooldown period expires (auto-reset), or
//   - Manual reset is called.
package risk

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duskline/traderd/internal/config"
)

// FailureEvent is the one accounting primitive every breaker caller feeds
// to RecordFailure (spec §3.8): which capability failed (or a cycle-level
// label such as "cycle" for the orchestrator's own escalation), when, and
// why. Carrying the capability through lets LastFailure report more than a
// bare reason string.
type FailureEvent struct {
	Capability string
	At         time.Time
	Err        error
}

func (e FailureEvent) String() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

// Breaker monitors a stream of success/failure events and reports tripped
// once either threshold is breached. It is thread-safe.
type Breaker struct {
	mu                  sync.Mutex
	config              config.BreakerConfig
	consecutiveFailures int
	hourlyFailures      []time.Time // timestamps of failures within the last hour
	lastFailure         FailureEvent
	tripped             bool
	trippedAt           time.Time
	tripReason          string
	logger              *log.Logger
}

// NewBreaker creates a new breaker with the given configuration.
// Pass a nil logger to use a default logger.
func NewBreaker(cfg config.BreakerConfig, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Breaker{
		config: cfg,
		logger: logger,
	}
}

// RecordFailure records a failure event and checks whether thresholds
// have been breached. If a threshold is exceeded, the breaker trips.
func (b *Breaker) RecordFailure(evt FailureEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return // already tripped, no need to record more
	}

	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.lastFailure = evt

	b.consecutiveFailures++
	b.hourlyFailures = append(b.hourlyFailures, evt.At)
	b.pruneHourlyFailures(evt.At)

	if b.config.MaxConsecutiveFailures > 0 &&
		b.consecutiveFailures >= b.config.MaxConsecutiveFailures {
		b.trip(fmt.Sprintf("consecutive failures: %d >= %d (last: %s)",
			b.consecutiveFailures, b.config.MaxConsecutiveFailures, evt))
		return
	}

	if b.config.MaxFailuresPerHour > 0 &&
		len(b.hourlyFailures) >= b.config.MaxFailuresPerHour {
		b.trip(fmt.Sprintf("hourly failures: %d >= %d (last: %s)",
			len(b.hourlyFailures), b.config.MaxFailuresPerHour, evt))
		return
	}

	b.logger.Printf("[breaker] failure recorded: %s (consecutive=%d, hourly=%d)",
		evt, b.consecutiveFailures, len(b.hourlyFailures))
}

// LastFailure returns the most recently recorded FailureEvent, zero-valued
// if none has been recorded yet.
func (b *Breaker) LastFailure() FailureEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// RecordSuccess records a successful operation and resets the consecutive
// failure counter. Hourly failures are NOT reset by successes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}

// IsTripped returns true if the breaker is currently tripped. It also
// checks cooldown: if the cooldown period has expired since tripping, the
// breaker auto-resets and returns false.
func (b *Breaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return false
	}

	if b.config.CooldownMinutes > 0 {
		cooldownDuration := time.Duration(b.config.CooldownMinutes) * time.Minute
		if time.Since(b.trippedAt) >= cooldownDuration {
			b.logger.Printf("[breaker] cooldown expired (%.0f min), auto-resetting",
				cooldownDuration.Minutes())
			b.resetInternal()
			return false
		}
	}

	return true
}

// TripReason returns the reason the breaker was tripped.
// Returns empty string if not tripped.
func (b *Breaker) TripReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return ""
	}
	return b.tripReason
}

// Reset manually resets the breaker, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		b.logger.Printf("[breaker] manually reset (was tripped: %s)", b.tripReason)
	}
	b.resetInternal()
}

// UpdateConfig updates the breaker configuration. Used for config
// hot-reload. Does NOT reset the tripped state.
func (b *Breaker) UpdateConfig(cfg config.BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = cfg
	b.logger.Printf("[breaker] config updated: max_consecutive=%d max_hourly=%d cooldown=%d min",
		cfg.MaxConsecutiveFailures, cfg.MaxFailuresPerHour, cfg.CooldownMinutes)
}

// ConsecutiveFailures returns the current consecutive failure count (for status/debug).
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// HourlyFailures returns the current hourly failure count (for status/debug).
func (b *Breaker) HourlyFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.pruneHourlyFailures(now)
	return len(b.hourlyFailures)
}

func (b *Breaker) trip(reason string) {
	b.tripped = true
	b.trippedAt = time.Now()
	b.tripReason = reason
	b.logger.Printf("[breaker] TRIPPED: %s", reason)
}

func (b *Breaker) resetInternal() {
	b.tripped = false
	b.trippedAt = time.Time{}
	b.tripReason = ""
	b.consecutiveFailures = 0
	b.hourlyFailures = nil
}

// pruneHourlyFailures removes entries older than 1 hour from the sliding window.
func (b *Breaker) pruneHourlyFailures(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(b.hourlyFailures) && b.hourlyFailures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.hourlyFailures = b.hourlyFailures[i:]
	}
}
