package scheduler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes when a task should run next, from the given reference
// time. Cron takes precedence over Interval; Jitter adds a random offset on
// top of Interval; a Window defers runs landing outside it to the window's
// next opening. Pure apart from rng, so tests can pin the jitter.
func NextRun(from time.Time, policy schema.SchedulePolicy, rng *rand.Rand) (time.Time, error) {
	var next time.Time

	switch {
	case policy.Cron != "":
		schedule, err := cronParser.Parse(policy.Cron)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
				"parse cron expression %q: %s", policy.Cron, err.Error()).WithCause(err)
		}
		next = schedule.Next(from)

	case policy.Interval != "":
		interval, err := time.ParseDuration(policy.Interval)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
				"parse interval %q: %s", policy.Interval, err.Error()).WithCause(err)
		}
		next = from.Add(interval)

		if policy.Jitter != "" {
			jitter, err := time.ParseDuration(policy.Jitter)
			if err != nil {
				return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
					"parse jitter %q: %s", policy.Jitter, err.Error()).WithCause(err)
			}
			if jitter > 0 && rng != nil {
				next = next.Add(time.Duration(rng.Int63n(int64(jitter))))
			}
		}

	default:
		return time.Time{}, schema.NewError(schema.ErrCodeValidation,
			"schedule policy needs either interval or cron")
	}

	if policy.Window != nil {
		deferred, err := applyWindow(next, policy.Window)
		if err != nil {
			return time.Time{}, err
		}
		next = deferred
	}

	return next, nil
}

// applyWindow defers t to the window's next opening when it falls outside
// the daily [Start, End) window. Times are UTC.
func applyWindow(t time.Time, w *schema.TimeWindow) (time.Time, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse window start %q: %s", w.Start, err.Error()).WithCause(err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse window end %q: %s", w.End, err.Error()).WithCause(err)
	}

	t = t.UTC()
	minute := t.Hour()*60 + t.Minute()

	if start <= end {
		// Same-day window, e.g. 09:00-17:00.
		if minute >= start && minute < end {
			return t, nil
		}
		opening := time.Date(t.Year(), t.Month(), t.Day(), start/60, start%60, 0, 0, time.UTC)
		if minute >= end {
			opening = opening.AddDate(0, 0, 1)
		}
		return opening, nil
	}

	// Overnight window, e.g. 22:00-06:00.
	if minute >= start || minute < end {
		return t, nil
	}
	return time.Date(t.Year(), t.Month(), t.Day(), start/60, start%60, 0, 0, time.UTC), nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}
