package points

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected so expiry and cap windows are testable
// =============================================================================

type Clock interface {
	Now() time.Time
}

// SystemClock reads wall time in UTC, truncated to microseconds so that
// timestamps survive a round-trip through PostgreSQL unchanged.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// ManualClock is a settable clock for tests and demo scenarios.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC().Truncate(time.Microsecond)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC().Truncate(time.Microsecond)
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// WINDOWS
// =============================================================================

// DayWindowStart returns the start of the rolling 24-hour window ending at now.
func DayWindowStart(now time.Time) time.Time { return now.Add(-24 * time.Hour) }

// MonthWindowStart returns the start of the rolling one-month window ending at now.
func MonthWindowStart(now time.Time) time.Time { return now.AddDate(0, -1, 0) }

// MonthKey formats t as YYYY-MM.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// InRange reports whether t lies in [from, to]; nil bounds are open.
func InRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}
