// Package freeze evaluates freeze windows: cron expressions interpreted as
// the set of minutes during which builds for a job must not run.
package freeze

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxLookahead bounds the scan so a window covering every minute cannot
// spin forever.
const maxLookahead = 35 * 24 * time.Hour

// TimeOutOfWindows returns the first instant at or after t that lies outside
// every window. When t is already outside, t comes back unchanged. Windows
// that fail to parse are skipped from the evaluation and reported in the
// second return so the caller can log them. The scan stops maxLookahead
// after t; if every minute up to there is frozen, the minute just past that
// bound is returned even though it may still lie inside a window.
func TimeOutOfWindows(windows []string, t time.Time) (time.Time, []error) {
	scheds := make([]cron.Schedule, 0, len(windows))
	var malformed []error
	for _, w := range windows {
		sched, err := parser.Parse(w)
		if err != nil {
			malformed = append(malformed, fmt.Errorf("invalid freeze window %q: %w", w, err))
			continue
		}
		scheds = append(scheds, sched)
	}
	if len(scheds) == 0 {
		return t, malformed
	}

	cur := t.UTC().Truncate(time.Minute)
	limit := cur.Add(maxLookahead)
	for !cur.After(limit) {
		if !inAnyWindow(scheds, cur) {
			if cur.Equal(t.UTC().Truncate(time.Minute)) {
				return t, malformed
			}
			return cur, malformed
		}
		cur = cur.Add(time.Minute)
	}
	return cur, malformed
}

// inAnyWindow reports whether minute m matches one of the schedules. m must
// be truncated to the minute.
func inAnyWindow(scheds []cron.Schedule, m time.Time) bool {
	for _, sched := range scheds {
		if sched.Next(m.Add(-time.Second)).Equal(m) {
			return true
		}
	}
	return false
}
