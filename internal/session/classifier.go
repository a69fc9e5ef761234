// Package session handles exchange session awareness.
//
// Design rules (from spec):
//   - The classifier is a pure function of (instant, policy, holidays).
//   - Session decisions are always rendered in the exchange's local timezone.
//   - Do not rely only on wall-clock arithmetic across midnight/DST — render
//     the instant in the exchange timezone and compare local fields.
//   - One central Classifier; no in-hours session is trade-enabled by
//     default except REGULAR (policy can widen or narrow this mask).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Session is one of the four exchange session states.
type Session string

const (
	PreMarket  Session = "PRE_MARKET"
	Regular    Session = "REGULAR"
	PostMarket Session = "POST_MARKET"
	Closed     Session = "CLOSED"
)

// Policy holds the session boundaries and trade-enablement mask. All times
// are wall-clock minutes in the exchange's local timezone.
type Policy struct {
	Location *time.Location

	PreMarketOpen   TimeOfDay
	RegularOpen     TimeOfDay
	RegularClose    TimeOfDay
	PostMarketClose TimeOfDay

	// TradeEnabled lists which sessions are allowed to trade. Shipped
	// default is {REGULAR} only; extended-hours sessions are degraded to
	// CLOSED by policy even though the clock is technically in them.
	TradeEnabled map[Session]bool

	// EODFlatTime is the exchange-local time of day at which
	// IsEODFlatTrigger begins returning true for the REGULAR session.
	EODFlatTime TimeOfDay
}

// TimeOfDay is a wall-clock time of day, exchange-local.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// DefaultPolicy returns the shipped configuration: NYSE-style hours in
// America/New_York, only REGULAR trade-enabled, EOD flat at 15:45.
func DefaultPolicy() Policy {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("session: failed to load exchange timezone: %v", err))
	}
	return Policy{
		Location:        loc,
		PreMarketOpen:   TimeOfDay{4, 0},
		RegularOpen:     TimeOfDay{9, 30},
		RegularClose:    TimeOfDay{16, 0},
		PostMarketClose: TimeOfDay{20, 0},
		TradeEnabled:    map[Session]bool{Regular: true},
		EODFlatTime:     TimeOfDay{15, 45},
	}
}

// HolidayEntry represents a single exchange holiday.
type HolidayEntry struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Reason string `json:"reason"`
}

// BrokerClock is the optional out-of-band override for the is-open bit,
// consumed through the market_clock capability (spec §6.1). It overrides
// the session classification's open/closed determination, not the session
// label itself, handling early closes and holidays the static table can't.
type BrokerClock interface {
	// IsOpen reports whether the broker considers the market open right now.
	// ok is false if the broker clock could not be reached; callers must
	// fall back to the table in that case (never block).
	IsOpen(now time.Time) (isOpen, ok bool)
}

// Classifier renders instants into exchange sessions.
type Classifier struct {
	policy   Policy
	holidays map[string]string // YYYY-MM-DD -> reason
	clock    BrokerClock        // optional; nil disables the override
}

// New creates a Classifier from a JSON holiday file. The file must contain
// an array of HolidayEntry objects.
func New(policy Policy, holidayFilePath string, clock BrokerClock) (*Classifier, error) {
	holidays := map[string]string{}
	if holidayFilePath != "" {
		data, err := os.ReadFile(holidayFilePath)
		if err != nil {
			return nil, fmt.Errorf("session: read holidays file: %w", err)
		}
		var entries []HolidayEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("session: parse holidays: %w", err)
		}
		for _, e := range entries {
			holidays[e.Date] = e.Reason
		}
	}
	return &Classifier{policy: policy, holidays: holidays, clock: clock}, nil
}

// NewFromHolidays builds a Classifier directly from a holiday map. Useful
// for tests and for embedding a broker-supplied calendar.
func NewFromHolidays(policy Policy, holidays map[string]string, clock BrokerClock) *Classifier {
	if holidays == nil {
		holidays = map[string]string{}
	}
	return &Classifier{policy: policy, holidays: holidays, clock: clock}
}

// Classification is the result of classifying an instant.
type Classification struct {
	Session   Session
	NextOpen  time.Time
	NextClose time.Time
}

// IsTradingDay reports whether the given date is a weekday and not a
// broker-reported or configured holiday.
func (c *Classifier) IsTradingDay(instant time.Time) bool {
	t := instant.In(c.policy.Location)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	_, isHoliday := c.holidays[t.Format("2006-01-02")]
	return !isHoliday
}

// HolidayReason returns the reason for a holiday, or "" if not a holiday.
func (c *Classifier) HolidayReason(instant time.Time) string {
	return c.holidays[instant.In(c.policy.Location).Format("2006-01-02")]
}

// Classify is a pure function of (instant, policy, holidays): identical
// inputs always yield identical outputs.
func (c *Classifier) Classify(instant time.Time) Classification {
	t := instant.In(c.policy.Location)

	if !c.IsTradingDay(t) {
		return Classification{
			Session:   Closed,
			NextOpen:  c.nextRegularOpen(t),
			NextClose: time.Time{},
		}
	}

	minutes := t.Hour()*60 + t.Minute()
	sess := c.tableSession(minutes)

	if c.clock != nil {
		if isOpen, ok := c.clock.IsOpen(instant); ok {
			// The broker clock overrides only the open/closed bit, handling
			// early closes and broker-reported holidays the static table
			// doesn't know about — it never upgrades CLOSED into a session
			// the table itself doesn't think we're in.
			if !isOpen && sess == Regular {
				sess = Closed
			}
		}
	}

	// In-hours sessions not in the trade-enabled mask are degraded to
	// CLOSED by policy; the shipped default only enables REGULAR.
	if (sess == Regular || sess == PreMarket || sess == PostMarket) && !c.policy.TradeEnabled[sess] {
		sess = Closed
	}

	return Classification{
		Session:   sess,
		NextOpen:  c.nextRegularOpen(t),
		NextClose: c.regularCloseOf(t),
	}
}

func (c *Classifier) tableSession(minutes int) Session {
	p := c.policy
	switch {
	case minutes >= p.RegularOpen.minutes() && minutes < p.RegularClose.minutes():
		return Regular
	case minutes >= p.PreMarketOpen.minutes() && minutes < p.RegularOpen.minutes():
		return PreMarket
	case minutes >= p.RegularClose.minutes() && minutes < p.PostMarketClose.minutes():
		return PostMarket
	default:
		return Closed
	}
}

// IsEODFlatTrigger reports whether the instant is in REGULAR session at or
// after the policy's EOD flat time.
func (c *Classifier) IsEODFlatTrigger(instant time.Time) bool {
	cl := c.Classify(instant)
	if cl.Session != Regular {
		return false
	}
	t := instant.In(c.policy.Location)
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= c.policy.EODFlatTime.minutes()
}

// SleepPlan describes when the orchestrator should next wake.
type SleepPlan struct {
	WakeAt time.Time
	Reason string
}

// SleepPlanFor computes the wake instant for a CLOSED classification: 5
// minutes before the next regular open. Callers in a trade-enabled session
// should not call this — there is no long sleep to plan.
func (c *Classifier) SleepPlanFor(instant time.Time) SleepPlan {
	cl := c.Classify(instant)
	return SleepPlan{
		WakeAt: cl.NextOpen.Add(-5 * time.Minute),
		Reason: "closed_until_next_open",
	}
}

// nextRegularOpen computes the next regular-session open, crossing weekends
// and holidays by adding calendar days (never 24h arithmetic, so DST
// transitions are handled by re-rendering rather than accumulating offset).
func (c *Classifier) nextRegularOpen(t time.Time) time.Time {
	loc := c.policy.Location
	todayOpen := time.Date(t.Year(), t.Month(), t.Day(),
		c.policy.RegularOpen.Hour, c.policy.RegularOpen.Minute, 0, 0, loc)

	if c.IsTradingDay(t) && t.Before(todayOpen) {
		return todayOpen
	}

	candidate := t
	for i := 0; i < 10; i++ {
		candidate = candidate.AddDate(0, 0, 1)
		if c.IsTradingDay(candidate) {
			return time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
				c.policy.RegularOpen.Hour, c.policy.RegularOpen.Minute, 0, 0, loc)
		}
	}
	// Unreachable with reasonable holiday data; fail safe to +24h.
	return t.Add(24 * time.Hour)
}

func (c *Classifier) regularCloseOf(t time.Time) time.Time {
	loc := c.policy.Location
	return time.Date(t.Year(), t.Month(), t.Day(),
		c.policy.RegularClose.Hour, c.policy.RegularClose.Minute, 0, 0, loc)
}

// NextTradingDay returns the next trading day strictly after date.
func (c *Classifier) NextTradingDay(date time.Time) time.Time {
	candidate := date.In(c.policy.Location).AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(candidate) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// PreviousTradingDay returns the most recent trading day strictly before date.
func (c *Classifier) PreviousTradingDay(date time.Time) time.Time {
	candidate := date.In(c.policy.Location).AddDate(0, 0, -1)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(candidate) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// Failsafe re-classifies on wake and forces REGULAR when local time falls
// in the regular window on a weekday, even if an upstream cache (or a stale
// SleepPlan) reports CLOSED. This defends against the off-by-one wake race
// where a small positive sleep lands a few seconds before the open and the
// orchestrator would otherwise re-enter sleep forever (spec invariant 8).
func (c *Classifier) Failsafe(instant time.Time) Classification {
	cl := c.Classify(instant)
	if cl.Session == Regular {
		return cl
	}

	t := instant.In(c.policy.Location)
	if !c.IsTradingDay(t) {
		return cl
	}
	minutes := t.Hour()*60 + t.Minute()
	if minutes >= c.policy.RegularOpen.minutes() && minutes < c.policy.RegularClose.minutes() {
		return Classification{
			Session:   Regular,
			NextOpen:  cl.NextOpen,
			NextClose: c.regularCloseOf(t),
		}
	}
	return cl
}

// ScanDate returns the exchange-local calendar date string (YYYY-MM-DD) for
// an instant, the unit C4/C3 key scans by.
func ScanDate(instant time.Time, loc *time.Location) string {
	return instant.In(loc).Format("2006-01-02")
}
