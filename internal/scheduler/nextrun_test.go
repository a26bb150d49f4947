package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

func TestNextRun_Interval(t *testing.T) {
	from := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	next, err := NextRun(from, schema.SchedulePolicy{Interval: "30m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Minute), next)
}

func TestNextRun_IntervalWithJitter(t *testing.T) {
	from := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	policy := schema.SchedulePolicy{Interval: "30m", Jitter: "5m"}
	rng := rand.New(rand.NewSource(42))

	next, err := NextRun(from, policy, rng)
	require.NoError(t, err)

	base := from.Add(30 * time.Minute)
	assert.True(t, !next.Before(base), "jitter only pushes forward")
	assert.True(t, next.Before(base.Add(5*time.Minute)), "jitter bounded by policy")
}

func TestNextRun_Cron(t *testing.T) {
	from := time.Date(2026, 8, 24, 10, 17, 0, 0, time.UTC)
	next, err := NextRun(from, schema.SchedulePolicy{Cron: "0 9 * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRun_CronTakesPrecedenceOverInterval(t *testing.T) {
	from := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	policy := schema.SchedulePolicy{Interval: "1m", Cron: "0 12 * * *"}
	next, err := NextRun(from, policy, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), next)
}

func TestNextRun_WindowDefersToOpening(t *testing.T) {
	window := &schema.TimeWindow{Start: "09:00", End: "17:00"}

	// Lands before the window: same-day opening.
	from := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	next, err := NextRun(from, schema.SchedulePolicy{Interval: "1h", Window: window}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), next)

	// Lands after the window: next day's opening.
	from = time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC)
	next, err = NextRun(from, schema.SchedulePolicy{Interval: "1h", Window: window}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), next)

	// Lands inside the window: unchanged.
	from = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	next, err = NextRun(from, schema.SchedulePolicy{Interval: "1h", Window: window}, nil)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)
}

func TestNextRun_OvernightWindow(t *testing.T) {
	window := &schema.TimeWindow{Start: "22:00", End: "06:00"}

	// 23:30 is inside the overnight window.
	from := time.Date(2026, 8, 24, 22, 30, 0, 0, time.UTC)
	next, err := NextRun(from, schema.SchedulePolicy{Interval: "1h", Window: window}, nil)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)

	// 12:00 defers to tonight's opening.
	from = time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	next, err = NextRun(from, schema.SchedulePolicy{Interval: "1h", Window: window}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC), next)
}

func TestNextRun_InvalidPolicies(t *testing.T) {
	from := time.Now().UTC()
	cases := []struct {
		name   string
		policy schema.SchedulePolicy
	}{
		{"empty", schema.SchedulePolicy{}},
		{"bad interval", schema.SchedulePolicy{Interval: "soon"}},
		{"bad cron", schema.SchedulePolicy{Cron: "not a cron"}},
		{"bad jitter", schema.SchedulePolicy{Interval: "1m", Jitter: "lots"}},
		{"bad window", schema.SchedulePolicy{Interval: "1m", Window: &schema.TimeWindow{Start: "25:00", End: "26:00"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NextRun(from, tc.policy, nil)
			require.Error(t, err)
			var se *schema.StagehandError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, schema.ErrCodeValidation, se.Code)
		})
	}
}
