// Package scheduler polls the store for due actor tasks and dispatches
// narrative executions through a bounded worker pool. Exactly one scheduler
// instance runs a given task at a time: a store-level lease settles races
// between instances, an in-memory set dedups within one.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-run/stagehand/internal/engine"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/internal/tracker"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// NarrativeRunner is the interface the scheduler dispatches through.
// Satisfied by the executor wiring in cmd (avoids an import cycle).
type NarrativeRunner interface {
	RunNarrative(ctx context.Context, narrative, actor, taskID string) error
}

// Options configures scheduler behavior. Zero values take defaults.
type Options struct {
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Concurrency  int
	Breaker      BreakerConfig
	// Now overrides the clock (tests).
	Now func() time.Time
	// Rng seeds schedule jitter (tests pin it).
	Rng *rand.Rand
}

const (
	defaultPollInterval = 15 * time.Second
	defaultLeaseTTL     = 10 * time.Minute
	defaultConcurrency  = 4
)

// Scheduler owns the poll loop.
type Scheduler struct {
	store   store.Store
	runner  NarrativeRunner
	tracker *tracker.Tracker
	pool    *engine.WorkerPool
	breaker *StoreBreaker
	logger  *slog.Logger

	owner        string
	pollInterval time.Duration
	leaseTTL     time.Duration
	now          func() time.Time
	rng          *rand.Rand

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task IDs currently dispatched by this instance
}

func New(s store.Store, runner NarrativeRunner, tr *tracker.Tracker, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	rng := opts.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		store:        s,
		runner:       runner,
		tracker:      tr,
		pool:         engine.NewWorkerPool(concurrency),
		breaker:      NewStoreBreaker(opts.Breaker),
		logger:       logger,
		owner:        uuid.New().String(),
		pollInterval: pollInterval,
		leaseTTL:     leaseTTL,
		now:          now,
		rng:          rng,
		inflight:     make(map[string]struct{}),
	}
}

// Owner returns this instance's lease owner id.
func (s *Scheduler) Owner() string { return s.owner }

// Start launches the background poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		"owner", s.owner, "poll_interval", s.pollInterval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: probe paused tasks for resume, then dispatch due
// tasks. Exported so tests and the cmd layer can drive it without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.breaker.Allow(); err != nil {
		// Degraded mode: the store is failing, so dispatching would run
		// narratives whose results cannot be recorded. Skip the cycle.
		s.logger.Warn("poll skipped, persistence circuit open", "error", err.Error())
		return
	}

	now := s.now()
	s.probePaused(ctx, now)

	due, err := s.store.ListDueTasks(ctx, now)
	if err != nil {
		s.recordStoreFailure(ctx, err)
		return
	}
	s.breaker.RecordSuccess()

	for _, task := range due {
		s.dispatch(ctx, task, now)
	}
}

// probePaused resumes paused tasks whose cooldown elapsed. Resumed tasks are
// picked up by a later poll; the resume itself is the probe's bookkeeping.
func (s *Scheduler) probePaused(ctx context.Context, now time.Time) {
	paused := true
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Paused: &paused})
	if err != nil {
		s.recordStoreFailure(ctx, err)
		return
	}
	for _, task := range tasks {
		if _, err := s.tracker.MaybeResume(ctx, task, now); err != nil {
			s.logger.Error("probe paused task", "task_id", task.ID, "error", err.Error())
		}
	}
}

// dispatch claims a task and hands its run to the worker pool. The next run
// time is computed and persisted at dispatch, so a long run never delays the
// schedule and a crash mid-run never replays the slot early.
func (s *Scheduler) dispatch(ctx context.Context, task *store.TaskState, now time.Time) {
	if !s.tryAcquire(task.ID) {
		return
	}

	acquired, err := s.store.AcquireLease(ctx, task.ID, s.owner, now, s.leaseTTL)
	if err != nil {
		s.release(task.ID)
		s.recordStoreFailure(ctx, err)
		return
	}
	if !acquired {
		// Another instance holds the lease.
		s.release(task.ID)
		return
	}

	// The due list can be stale by the time the lease is won: a racing
	// instance may have run the task and released its lease in between.
	// Re-check the row before committing the slot.
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		s.releaseLease(task.ID)
		s.release(task.ID)
		s.recordStoreFailure(ctx, err)
		return
	}
	if fresh.Paused || fresh.NextRunAt == nil || fresh.NextRunAt.After(now) {
		s.releaseLease(task.ID)
		s.release(task.ID)
		return
	}
	task = fresh

	next, err := NextRun(now, task.Policy, s.rng)
	if err != nil {
		s.logger.Error("schedule policy invalid, pausing task",
			"task_id", task.ID, "error", err.Error())
		if perr := s.tracker.Pause(ctx, task.ID, "invalid schedule policy"); perr != nil {
			s.logger.Error("pause misconfigured task", "task_id", task.ID, "error", perr.Error())
		}
		s.releaseLease(task.ID)
		s.release(task.ID)
		return
	}
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	}); err != nil {
		s.releaseLease(task.ID)
		s.release(task.ID)
		s.recordStoreFailure(ctx, err)
		return
	}

	taskID, narrative, actor := task.ID, task.Narrative, task.Actor
	err = s.pool.Submit(ctx, func(ctx context.Context) error {
		defer s.release(taskID)
		defer s.releaseLease(taskID)

		runErr := s.runner.RunNarrative(ctx, narrative, actor, taskID)
		if rerr := s.tracker.RecordResult(ctx, taskID, runErr); rerr != nil {
			s.logger.Error("record run result", "task_id", taskID, "error", rerr.Error())
		}
		return runErr
	})
	if err != nil {
		s.releaseLease(task.ID)
		s.release(task.ID)
		s.logger.Error("submit task run", "task_id", task.ID, "error", err.Error())
	}
}

// recordStoreFailure feeds the breaker and announces the transition into
// degraded mode once, when the circuit first opens.
func (s *Scheduler) recordStoreFailure(ctx context.Context, err error) {
	before := s.breaker.State()
	state := s.breaker.RecordFailure()
	s.logger.Error("store access failed", "error", err.Error(), "circuit", state.String())

	if state == CircuitOpen && before != CircuitOpen {
		s.logger.Warn("entering degraded mode, dispatch suspended")
		// Best effort: the store that just failed may still accept this.
		event := &store.Event{Type: schema.EventStoreBreaker}
		if aerr := s.store.AppendEvent(ctx, event); aerr != nil {
			s.logger.Error("record circuit-open event", "error", aerr.Error())
		}
	}
}

func (s *Scheduler) releaseLease(taskID string) {
	if err := s.store.ReleaseLease(context.Background(), taskID, s.owner); err != nil {
		s.logger.Error("release lease", "task_id", taskID, "error", err.Error())
	}
}

func (s *Scheduler) tryAcquire(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[taskID]; ok {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, taskID)
}

// Metrics returns the worker pool metrics snapshot.
func (s *Scheduler) Metrics() engine.PoolMetrics {
	return s.pool.Metrics()
}

// Stop shuts the loop down and waits for dispatched runs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.pool.Shutdown()
	s.logger.Info("scheduler stopped", "owner", s.owner)
	return nil
}
