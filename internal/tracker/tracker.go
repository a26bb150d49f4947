// Package tracker maintains the per-task failure circuit breaker. Unlike an
// in-memory breaker, its state lives on the task row itself, so a restart
// never forgets that a task was tripping.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

const (
	// DefaultFailureThreshold pauses a task after this many consecutive
	// failed runs.
	DefaultFailureThreshold = 3
	// DefaultCooldown is how long a tripped task stays paused before the
	// scheduler probes it again.
	DefaultCooldown = 30 * time.Minute
)

// Options configures the breaker thresholds.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	// Now overrides the clock (tests). The same clock must drive pause
	// stamps and cooldown checks or probes fire at the wrong time.
	Now func() time.Time
}

// Tracker records run outcomes against tasks and pauses tasks whose
// consecutive failure count crosses the threshold.
type Tracker struct {
	store     store.Store
	logger    *slog.Logger
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(s store.Store, logger *slog.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{store: s, logger: logger, threshold: threshold, cooldown: cooldown, now: now}
}

// RecordResult persists the outcome of one dispatched run. A success resets
// the consecutive failure counter; a failure increments it and, at the
// threshold, pauses the task. The new counter and pause flag are durable
// before this returns, so a crash right after cannot lose a trip.
func (t *Tracker) RecordResult(ctx context.Context, taskID string, runErr error) error {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if runErr == nil {
		if task.ConsecutiveFailures == 0 {
			return nil
		}
		zero := 0
		return t.store.UpdateTask(ctx, taskID, store.TaskUpdate{ConsecutiveFailures: &zero})
	}

	failures := task.ConsecutiveFailures + 1
	update := store.TaskUpdate{ConsecutiveFailures: &failures}

	tripped := failures >= t.threshold && !task.Paused
	if tripped {
		paused := true
		now := t.now()
		update.Paused = &paused
		update.PausedAt = &now
	}

	if err := t.store.UpdateTask(ctx, taskID, update); err != nil {
		return err
	}

	if tripped {
		t.logger.WarnContext(ctx, "task circuit tripped",
			"task_id", taskID, "narrative", task.Narrative, "failures", failures)
		t.appendEvent(ctx, taskID, schema.EventTaskPaused, map[string]any{
			"failures":  failures,
			"threshold": t.threshold,
			"error":     runErr.Error(),
		})
	}
	return nil
}

// MaybeResume probes a paused task at poll time. Once the cooldown since the
// pause has elapsed, the task is resumed with a reset counter; the next run
// is the probe, and re-tripping takes another full failure streak.
func (t *Tracker) MaybeResume(ctx context.Context, task *store.TaskState, now time.Time) (bool, error) {
	if !task.Paused || task.PausedAt == nil {
		return false, nil
	}
	if now.Sub(*task.PausedAt) < t.cooldown {
		return false, nil
	}

	t.appendEvent(ctx, task.ID, schema.EventTaskProbe, map[string]any{
		"paused_at": task.PausedAt.Format(time.RFC3339),
		"cooldown":  t.cooldown.String(),
	})

	if err := t.resume(ctx, task.ID); err != nil {
		return false, err
	}
	t.logger.InfoContext(ctx, "task resumed after cooldown",
		"task_id", task.ID, "narrative", task.Narrative)
	return true, nil
}

// Pause manually pauses a task. Operator action, not breaker state: the
// failure counter is left untouched.
func (t *Tracker) Pause(ctx context.Context, taskID, reason string) error {
	paused := true
	now := t.now()
	if err := t.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Paused:   &paused,
		PausedAt: &now,
	}); err != nil {
		return err
	}
	t.appendEvent(ctx, taskID, schema.EventTaskPaused, map[string]any{"reason": reason})
	return nil
}

// Resume manually resumes a task regardless of cooldown.
func (t *Tracker) Resume(ctx context.Context, taskID string) error {
	if err := t.resume(ctx, taskID); err != nil {
		return err
	}
	return nil
}

func (t *Tracker) resume(ctx context.Context, taskID string) error {
	paused := false
	zero := 0
	if err := t.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Paused:              &paused,
		ClearPausedAt:       true,
		ConsecutiveFailures: &zero,
	}); err != nil {
		return err
	}
	t.appendEvent(ctx, taskID, schema.EventTaskResumed, nil)
	return nil
}

func (t *Tracker) appendEvent(ctx context.Context, taskID, eventType string, payload map[string]any) {
	event := &store.Event{TaskID: taskID, Type: eventType}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			event.Payload = b
		}
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		t.logger.Error("append task event", "task_id", taskID, "type", eventType, "error", err)
	}
}
