package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/internal/tracker"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// fakeRunner records dispatched runs and replays scripted errors.
type fakeRunner struct {
	mu    sync.Mutex
	runs  []runCall
	fail  error
	block chan struct{} // when set, runs wait on it
}

type runCall struct {
	narrative, actor, taskID string
}

func (r *fakeRunner) RunNarrative(ctx context.Context, narrative, actor, taskID string) error {
	r.mu.Lock()
	r.runs = append(r.runs, runCall{narrative, actor, taskID})
	block := r.block
	fail := r.fail
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return fail
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type schedulerFixture struct {
	store     *store.LibSQLStore
	runner    *fakeRunner
	tracker   *tracker.Tracker
	scheduler *Scheduler
	clock     time.Time
}

func newSchedulerFixture(t *testing.T, trackerOpts tracker.Options) *schedulerFixture {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	f := &schedulerFixture{
		store:  s,
		runner: &fakeRunner{},
		clock:  time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
	// Tracker and scheduler must share the injected clock: pause stamps
	// written by one are compared against now() by the other.
	trackerOpts.Now = func() time.Time { return f.clock }
	f.tracker = tracker.New(s, nil, trackerOpts)
	f.scheduler = New(s, f.runner, f.tracker, nil, Options{
		Now: func() time.Time { return f.clock },
	})
	return f
}

func (f *schedulerFixture) seedDueTask(t *testing.T, id string) *store.TaskState {
	t.Helper()
	due := f.clock.Add(-time.Minute)
	task := &store.TaskState{
		ID:        id,
		Actor:     "scout",
		Narrative: "daily-digest",
		Policy:    schema.SchedulePolicy{Interval: "30m"},
		NextRunAt: &due,
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func TestTick_DispatchesDueTask(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	f.seedDueTask(t, "task-1")
	ctx := context.Background()

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()

	require.Equal(t, 1, f.runner.count())
	assert.Equal(t, runCall{"daily-digest", "scout", "task-1"}, f.runner.runs[0])

	// Next run was advanced at dispatch, lease released after the run.
	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, f.clock.Add(30*time.Minute), task.NextRunAt.UTC())
	require.NotNil(t, task.LastRunAt)
	assert.Equal(t, f.clock, task.LastRunAt.UTC())
	assert.Empty(t, task.LeaseOwner)
}

func TestTick_NotDueNotDispatched(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	future := f.clock.Add(time.Hour)
	require.NoError(t, f.store.CreateTask(context.Background(), &store.TaskState{
		ID:        "task-1",
		Actor:     "scout",
		Narrative: "daily-digest",
		Policy:    schema.SchedulePolicy{Interval: "30m"},
		NextRunAt: &future,
	}))

	f.scheduler.Tick(context.Background())
	f.scheduler.pool.Wait()
	assert.Equal(t, 0, f.runner.count())
}

func TestTick_DueAgainAfterInterval(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	f.seedDueTask(t, "task-1")
	ctx := context.Background()

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	require.Equal(t, 1, f.runner.count())

	// Immediately polling again finds nothing due.
	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	assert.Equal(t, 1, f.runner.count())

	// After the interval the task comes due again.
	f.clock = f.clock.Add(31 * time.Minute)
	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	assert.Equal(t, 2, f.runner.count())
}

func TestTick_ForeignLeaseSkipsTask(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	f.seedDueTask(t, "task-1")
	ctx := context.Background()

	// Another instance holds a live lease.
	ok, err := f.store.AcquireLease(ctx, "task-1", "other-instance", f.clock, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	assert.Equal(t, 0, f.runner.count())
}

func TestTick_TwoInstancesRacingDispatchOnce(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	f.seedDueTask(t, "task-1")
	ctx := context.Background()

	// A second instance with its own owner id shares the store and clock.
	runner2 := &fakeRunner{}
	sched2 := New(f.store, runner2, f.tracker, nil, Options{
		Now: func() time.Time { return f.clock },
	})

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, sched := range []*Scheduler{f.scheduler, sched2} {
		wg.Add(1)
		go func(sched *Scheduler) {
			defer wg.Done()
			<-start
			sched.Tick(ctx)
		}(sched)
	}
	close(start)
	wg.Wait()
	f.scheduler.pool.Wait()
	sched2.pool.Wait()

	// The lease admits exactly one of the racing instances.
	assert.Equal(t, 1, f.runner.count()+runner2.count())

	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, task.LeaseOwner)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, f.clock.Add(30*time.Minute), task.NextRunAt.UTC())
}

func TestTick_ExpiredForeignLeaseIsTakenOver(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	f.seedDueTask(t, "task-1")
	ctx := context.Background()

	ok, err := f.store.AcquireLease(ctx, "task-1", "dead-instance", f.clock.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	assert.Equal(t, 1, f.runner.count())
}

func TestTick_FailingRunsTripTracker(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{FailureThreshold: 2})
	f.seedDueTask(t, "task-1")
	f.runner.fail = errors.New("backend unavailable")
	ctx := context.Background()

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()

	f.clock = f.clock.Add(31 * time.Minute)
	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()

	require.Equal(t, 2, f.runner.count())
	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, task.Paused, "two consecutive failures trip the breaker")

	// Paused tasks are not listed as due.
	f.clock = f.clock.Add(31 * time.Minute)
	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	assert.Equal(t, 2, f.runner.count())
}

func TestTick_ResumesPausedTaskAfterCooldown(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{FailureThreshold: 1, Cooldown: time.Hour})
	f.seedDueTask(t, "task-1")
	f.runner.fail = errors.New("boom")
	ctx := context.Background()

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, task.Paused)

	// Within cooldown: still paused.
	f.runner.fail = nil
	f.clock = f.clock.Add(30 * time.Minute)
	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	task, err = f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, task.Paused)

	// Past cooldown: the probe resumes the task and the next poll runs it.
	f.clock = f.clock.Add(2 * time.Hour)
	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	task, err = f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, task.Paused)
	assert.Equal(t, 0, task.ConsecutiveFailures)

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()
	assert.Equal(t, 2, f.runner.count())
}

func TestTick_InvalidPolicyPausesTask(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	due := f.clock.Add(-time.Minute)
	require.NoError(t, f.store.CreateTask(context.Background(), &store.TaskState{
		ID:        "task-1",
		Actor:     "scout",
		Narrative: "daily-digest",
		Policy:    schema.SchedulePolicy{Interval: "bogus"},
		NextRunAt: &due,
	}))
	ctx := context.Background()

	f.scheduler.Tick(ctx)
	f.scheduler.pool.Wait()

	assert.Equal(t, 0, f.runner.count())
	task, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, task.Paused)
	assert.Empty(t, task.LeaseOwner)
}

// failingStore wraps a real store and fails listing calls on demand.
type failingStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *failingStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *failingStore) ListDueTasks(ctx context.Context, now time.Time) ([]*store.TaskState, error) {
	if f.failing() {
		return nil, errors.New("disk io error")
	}
	return f.Store.ListDueTasks(ctx, now)
}

func (f *failingStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.TaskState, error) {
	if f.failing() {
		return nil, errors.New("disk io error")
	}
	return f.Store.ListTasks(ctx, filter)
}

func TestTick_StoreFailuresOpenCircuitAndRecover(t *testing.T) {
	inner, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, inner.Migrate(context.Background()))
	t.Cleanup(func() { _ = inner.Close() })

	fs := &failingStore{Store: inner}
	runner := &fakeRunner{}
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	sched := New(fs, runner, tracker.New(fs, nil, tracker.Options{}), nil, Options{
		Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: 10 * time.Millisecond},
		Now:     func() time.Time { return clock },
	})

	due := clock.Add(-time.Minute)
	require.NoError(t, inner.CreateTask(context.Background(), &store.TaskState{
		ID:        "task-1",
		Actor:     "scout",
		Narrative: "daily-digest",
		Policy:    schema.SchedulePolicy{Interval: "30m"},
		NextRunAt: &due,
	}))

	ctx := context.Background()
	fs.setFail(true)

	// Each failing tick records two store failures (paused listing and due
	// listing both fail), opening the circuit.
	sched.Tick(ctx)
	assert.Equal(t, CircuitOpen, sched.breaker.State())

	// While open, ticks dispatch nothing even though the store recovered.
	fs.setFail(false)
	sched.Tick(ctx)
	assert.Equal(t, 0, runner.count())

	// After the cooldown a probe tick succeeds and dispatch resumes.
	time.Sleep(20 * time.Millisecond)
	sched.Tick(ctx)
	sched.pool.Wait()
	assert.Equal(t, 1, runner.count())
	assert.Equal(t, CircuitClosed, sched.breaker.State())
}

func TestStartAndStop(t *testing.T) {
	f := newSchedulerFixture(t, tracker.Options{})
	require.NoError(t, f.scheduler.Start(context.Background()))
	require.Error(t, f.scheduler.Start(context.Background()), "double start rejected")
	require.NoError(t, f.scheduler.Stop())
	require.NoError(t, f.scheduler.Stop(), "stop is idempotent")
}
