// Package schedule evaluates user-defined recurring schedules against the
// store and turns due slots into durable dispatches. It is distinct from
// the fixed periodic table in internal/runner: schedules live in the
// database, survive restarts, and carry an idempotency witness per slot.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// fiveFieldParser accepts the classic minute-to-day-of-week form only.
// Day-of-week runs 0-6 with 0 as Sunday.
var fiveFieldParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

const everyPrefix = "@every:"

// deferredScanCap bounds how far past the catch-up limit a cron expression
// is walked just to count deferred slots. A schedule that has been disabled
// for months should not stall the tick producing an exact number.
const deferredScanCap = 10000

// Expr is a parsed schedule expression: either "@every:<seconds>" or a
// five-field cron spec.
type Expr struct {
	every time.Duration
	cron  cron.Schedule
}

// ParseExpr parses raw into an Expr. The @every form requires a positive
// whole number of seconds.
func ParseExpr(raw string) (Expr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Expr{}, fmt.Errorf("empty schedule expression")
	}
	if strings.HasPrefix(raw, everyPrefix) {
		secs, err := strconv.Atoi(strings.TrimPrefix(raw, everyPrefix))
		if err != nil {
			return Expr{}, fmt.Errorf("invalid @every seconds %q: %w", raw, err)
		}
		if secs < 1 {
			return Expr{}, fmt.Errorf("@every interval must be at least 1 second, got %d", secs)
		}
		return Expr{every: time.Duration(secs) * time.Second}, nil
	}
	sched, err := fiveFieldParser.Parse(raw)
	if err != nil {
		return Expr{}, fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}
	return Expr{cron: sched}, nil
}

// Every reports the @every interval, or zero for the cron form.
func (e Expr) Every() time.Duration { return e.every }

// Next returns the first slot strictly after prev.
func (e Expr) Next(prev time.Time) time.Time {
	if e.every > 0 {
		return prev.Add(e.every)
	}
	return e.cron.Next(prev)
}

// slotsBetween returns the ordered matching slots strictly after last and
// strictly before now, emitting at most limit of them and counting the
// overflow as deferred. Both bounds are evaluated in UTC.
func (e Expr) slotsBetween(last, now time.Time, limit int) (due []time.Time, deferred int) {
	last, now = last.UTC(), now.UTC()
	if limit < 1 {
		limit = 1
	}
	for t := e.Next(last); !t.IsZero() && t.Before(now); t = e.Next(t) {
		if len(due) < limit {
			due = append(due, t)
			continue
		}
		if e.every > 0 {
			// The remainder is arithmetic: slots t, t+every, ... below now.
			deferred = int((now.Sub(t)-time.Nanosecond)/e.every) + 1
			return due, deferred
		}
		deferred++
		if deferred >= deferredScanCap {
			return due, deferred
		}
	}
	return due, deferred
}
