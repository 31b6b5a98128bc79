package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// nextAfter computes the next firing of sched strictly after t, in loc,
// with wall-clock DST semantics:
//
//   - Spring forward: a firing whose wall time falls in the skipped hour
//     keeps its instant and shifts forward through the gap (02:30 runs
//     at 03:30), so the day still gets its run.
//   - Fall back: a wall time that occurs twice fires once.
//
// The cron walk happens in a fixed-offset copy of the current zone so
// it cannot jump the gap; the match is then rebuilt in the real zone.
// time.Date does not guarantee which side of a transition a nonexistent
// wall time lands on, so the gap case is resolved by hand.
func nextAfter(sched cron.Schedule, t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	_, offset := local.Zone()
	fixed := time.FixedZone(local.Format("MST"), offset)

	naive := sched.Next(local.In(fixed))
	next := time.Date(naive.Year(), naive.Month(), naive.Day(),
		naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), loc)

	// A rebuilt clock that differs from the naive one means the wall
	// time does not exist in loc (spring-forward gap). The naive value
	// already carries the pre-transition offset, so its instant is the
	// shifted firing time.
	if !sameClock(next, naive) {
		next = naive.In(loc)
	}

	// A fall-back overlap can resolve to the earlier occurrence and
	// land at or before t; in that case defer to the plain walk.
	if !next.After(t) {
		next = sched.Next(local)
	}
	return next
}

func sameClock(a, b time.Time) bool {
	return a.Hour() == b.Hour() && a.Minute() == b.Minute() &&
		a.Day() == b.Day() && a.Month() == b.Month() && a.Year() == b.Year()
}
