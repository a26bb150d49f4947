// Package engine runs narratives: acts execute strictly in declaration
// order, every raw response is persisted verbatim before any processor
// sees it, and terminal failures carry one of the operator-facing reasons.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-run/stagehand/internal/backend"
	"github.com/stagehand-run/stagehand/internal/processors"
	"github.com/stagehand-run/stagehand/internal/resolver"
	"github.com/stagehand-run/stagehand/internal/state"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// RunOptions carries per-run parameters.
type RunOptions struct {
	// ExecutionID overrides the generated id (used by tests and replays).
	ExecutionID string
	// TaskID links the execution to the scheduled task that dispatched it.
	TaskID string
	// Actor is the owning actor; actor-scoped state resolves against it.
	Actor string
}

// ActResult summarizes one act of a finished run.
type ActResult struct {
	Act        string           `json:"act"`
	Status     schema.ActStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	RowsStored int              `json:"rows_stored,omitempty"`
}

// RunResult is the outcome of one narrative execution.
type RunResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.NarrativeStatus `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	Acts        []ActResult            `json:"acts"`
	Err         error                  `json:"-"`
}

// Executor drives narrative executions.
type Executor struct {
	store        store.Store
	states       *state.Manager
	resolver     *resolver.Resolver
	backend      backend.Backend
	processors   *processors.Registry
	narrativeFSM *NarrativeFSM
	actFSM       *ActFSM
	logger       *slog.Logger
}

func NewExecutor(s store.Store, states *state.Manager, res *resolver.Resolver,
	be backend.Backend, reg *processors.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:        s,
		states:       states,
		resolver:     res,
		backend:      be,
		processors:   reg,
		narrativeFSM: NewNarrativeFSM(s),
		actFSM:       NewActFSM(s),
		logger:       logger,
	}
}

// Run executes a narrative to a terminal state. The returned RunResult is
// valid even when err is non-nil; err echoes RunResult.Err for callers that
// only check errors.
func (e *Executor) Run(ctx context.Context, def *schema.NarrativeDefinition, opts RunOptions) (*RunResult, error) {
	execID := opts.ExecutionID
	if execID == "" {
		execID = uuid.New().String()
	}

	result := &RunResult{ExecutionID: execID, Status: schema.NarrativeStatusRunning}

	exec := &store.NarrativeExecution{
		ID:        execID,
		Narrative: def.Name,
		TaskID:    opts.TaskID,
		Status:    schema.NarrativeStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	if err := e.narrativeFSM.Transition(ctx, execID, schema.NarrativeStatusPending, schema.NarrativeStatusRunning); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "narrative started",
		"narrative", def.Name, "execution_id", execID, "acts", len(def.Acts))

	scope := &resolver.Scope{
		State: map[string]any{},
		Acts:  map[string]map[string]any{},
	}

	for seq := range def.Acts {
		act := &def.Acts[seq]

		// Cancellation is checked between acts only; a generation call in
		// flight is never torn down mid-act.
		if ctx.Err() != nil {
			e.skipRemaining(execID, def, seq, result)
			cancelErr := schema.NewError(schema.ErrCodeCancelled, "run cancelled between acts").WithCause(ctx.Err())
			return e.failNarrative(execID, act.Name, cancelErr, result)
		}

		actResult, err := e.runAct(ctx, def, act, seq, execID, opts, scope)
		result.Acts = append(result.Acts, *actResult)
		if err != nil {
			e.skipRemaining(execID, def, seq+1, result)
			return e.failNarrative(execID, act.Name, err, result)
		}
	}

	if err := e.narrativeFSM.Transition(ctx, execID, schema.NarrativeStatusRunning, schema.NarrativeStatusSucceeded); err != nil {
		return nil, err
	}
	succeeded := schema.NarrativeStatusSucceeded
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, execID, store.ExecutionUpdate{
		Status:      &succeeded,
		CompletedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "finalize execution: %s", err.Error()).WithCause(err)
	}

	result.Status = schema.NarrativeStatusSucceeded
	e.logger.InfoContext(ctx, "narrative succeeded", "narrative", def.Name, "execution_id", execID)
	return result, nil
}

// runAct resolves inputs, calls the backend with retries, persists the
// verbatim response atomically with its inputs, and then runs the act's
// opted-in processors.
func (e *Executor) runAct(ctx context.Context, def *schema.NarrativeDefinition, act *schema.Act,
	seq int, execID string, opts RunOptions, scope *resolver.Scope) (*ActResult, error) {

	actResult := &ActResult{Act: act.Name, Status: schema.ActStatusRunning}

	if err := e.actFSM.Transition(ctx, execID, act.Name, schema.ActStatusPending, schema.ActStatusRunning); err != nil {
		return actResult, err
	}

	if err := e.refreshState(ctx, execID, opts.Actor, scope); err != nil {
		return e.actFailed(ctx, execID, actResult, err)
	}

	resolved, err := e.resolver.Resolve(ctx, act, &resolver.ExecContext{
		ExecutionID: execID,
		Narrative:   def.Name,
		Actor:       opts.Actor,
		Scope:       scope,
	})
	if err != nil {
		return e.actFailed(ctx, execID, actResult, err)
	}

	resp, attempts, err := e.generateWithRetry(ctx, execID, act, resolved)
	actResult.Attempts = attempts
	if err != nil {
		return e.actFailed(ctx, execID, actResult, err)
	}

	// The raw response is persisted byte-identical, in one transaction with
	// the inputs that produced it, before any processor can touch it.
	actExec := &store.ActExecution{
		ID:               uuid.New().String(),
		ExecutionID:      execID,
		Seq:              seq,
		ActName:          act.Name,
		Model:            act.Generation.Model,
		Temperature:      act.Generation.Temperature,
		MaxTokens:        act.Generation.MaxTokens,
		Response:         resp.Text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if err := e.store.CreateActExecution(ctx, actExec, resolved.Inputs); err != nil {
		storeErr := schema.NewErrorf(schema.ErrCodeStore, "persist act execution: %s", err.Error()).WithCause(err)
		return e.actFailed(ctx, execID, actResult, storeErr)
	}

	// Publish the act's fields for later templates before processors run,
	// so even an extraction failure leaves {{act.response}} resolvable in
	// a manual replay. Merge rather than replace: command inputs already
	// published their payload fields under this act's name.
	fields := scope.Acts[act.Name]
	if fields == nil {
		fields = make(map[string]any, 1)
		scope.Acts[act.Name] = fields
	}
	fields["response"] = resp.Text

	if !def.SkipExtraction && len(act.Processors) > 0 {
		rowsStored, err := e.runProcessors(ctx, def, act, execID, resp.Text, scope)
		actResult.RowsStored = rowsStored
		if err != nil {
			return e.actFailed(ctx, execID, actResult, err)
		}
	}

	if err := e.actFSM.Transition(ctx, execID, act.Name, schema.ActStatusRunning, schema.ActStatusCompleted); err != nil {
		return actResult, err
	}
	actResult.Status = schema.ActStatusCompleted

	e.logger.InfoContext(ctx, "act completed",
		"narrative", def.Name, "execution_id", execID, "act", act.Name,
		"attempts", attempts, "rows_stored", actResult.RowsStored)

	return actResult, nil
}

// generateWithRetry calls the backend, retrying recoverable errors with
// backoff until the act's retry ceiling. attempts counts invocations.
func (e *Executor) generateWithRetry(ctx context.Context, execID string, act *schema.Act,
	resolved *resolver.ResolvedAct) (*backend.Response, int, error) {

	attempts := 0
	for {
		attempts++
		resp, err := e.backend.Generate(ctx, resolved.Messages, act.Generation)
		if err == nil {
			return resp, attempts, nil
		}

		err = backend.Classify(err)
		retriesLeft := act.Retry != nil && attempts <= act.Retry.Max
		if !IsRetryableError(err) || !retriesLeft {
			if IsRetryableError(err) {
				err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"backend failed after %d attempts: %s", attempts, err.Error()).
					WithAct(act.Name).WithCause(err)
			}
			return nil, attempts, err
		}

		if ferr := e.actFSM.Transition(ctx, execID, act.Name, schema.ActStatusRunning, schema.ActStatusRetrying); ferr != nil {
			return nil, attempts, ferr
		}
		delay := ComputeBackoff(act.Retry, attempts-1)
		e.logger.WarnContext(ctx, "act retrying",
			"execution_id", execID, "act", act.Name, "attempt", attempts, "delay", delay.String())
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, attempts, schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithCause(werr)
		}
		if ferr := e.actFSM.Transition(ctx, execID, act.Name, schema.ActStatusRetrying, schema.ActStatusRunning); ferr != nil {
			return nil, attempts, ferr
		}
	}
}

// runProcessors applies the act's opted-in processors in declaration order
// and stores any produced rows in the narrative's target table.
func (e *Executor) runProcessors(ctx context.Context, def *schema.NarrativeDefinition, act *schema.Act,
	execID, response string, scope *resolver.Scope) (int, error) {

	ac := &processors.ActContext{
		Narrative:   def.Name,
		Act:         act.Name,
		TargetTable: def.TargetTable,
		RowSchema:   act.RowSchema,
		Transform:   act.Transform,
	}
	payload := &processors.Payload{Response: response}

	for _, name := range act.Processors {
		// Dedup is an executor collaborator, not a pipeline stage: the
		// parser itself never drops rows.
		if name == "dedup" {
			rows, err := processors.DedupRows(payload.Rows)
			if err != nil {
				return 0, schema.NewErrorf(schema.ErrCodeExecution,
					"dedup rows: %s", err.Error()).WithAct(act.Name).WithCause(err)
			}
			payload.Rows = rows
			continue
		}

		proc, ok := e.processors.Get(name)
		if !ok {
			return 0, schema.NewErrorf(schema.ErrCodeValidation,
				"act %q opts into unknown processor %q", act.Name, name).WithAct(act.Name)
		}

		out, err := proc.Process(ctx, ac, payload)
		if err != nil {
			e.appendEvent(ctx, &store.Event{
				ExecutionID: execID,
				Act:         act.Name,
				Type:        schema.EventProcessorFailed,
				Payload:     errPayload(err),
			})
			return 0, err
		}
		payload = out
	}

	stored := 0
	if len(payload.Rows) > 0 && def.TargetTable != "" {
		n, err := e.store.InsertRows(ctx, def.TargetTable, payload.Rows)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeStore,
				"store %d rows into %q: %s", len(payload.Rows), def.TargetTable, err.Error()).
				WithAct(act.Name).WithCause(err)
		}
		stored = n
		e.appendEvent(ctx, &store.Event{
			ExecutionID: execID,
			Act:         act.Name,
			Type:        schema.EventExtractionStored,
			Payload:     jsonPayload(map[string]any{"table": def.TargetTable, "rows": n}),
		})
	}

	if len(payload.Rows) > 0 {
		rows := make([]any, len(payload.Rows))
		for i, r := range payload.Rows {
			rows[i] = r
		}
		scope.Acts[act.Name]["rows"] = rows
	}

	return stored, nil
}

// refreshState rebuilds the template state view: actor scope first, then
// execution scope on top so run-local values win.
func (e *Executor) refreshState(ctx context.Context, execID, actor string, scope *resolver.Scope) error {
	merged := map[string]any{}
	if actor != "" {
		actorState, err := e.states.Snapshot(ctx, store.ScopeActor, actor)
		if err != nil {
			return err
		}
		for k, v := range actorState {
			merged[k] = v
		}
	}
	execState, err := e.states.Snapshot(ctx, store.ScopeExecution, execID)
	if err != nil {
		return err
	}
	for k, v := range execState {
		merged[k] = v
	}
	scope.State = merged
	return nil
}

// actFailed transitions the act to Failed and returns the causing error.
func (e *Executor) actFailed(_ context.Context, execID string, actResult *ActResult, err error) (*ActResult, error) {
	// Failure bookkeeping must outlive a cancelled run context.
	ctx := context.Background()
	actResult.Status = schema.ActStatusFailed
	// Cancellation during backoff leaves the act in Retrying; both paths
	// into Failed are valid.
	if ferr := e.actFSM.Transition(ctx, execID, actResult.Act, schema.ActStatusRunning, schema.ActStatusFailed); ferr != nil {
		if ferr2 := e.actFSM.Transition(ctx, execID, actResult.Act, schema.ActStatusRetrying, schema.ActStatusFailed); ferr2 != nil {
			e.logger.Error("act failure transition", "act", actResult.Act, "error", ferr)
		}
	}
	return actResult, err
}

// skipRemaining marks acts from index on as skipped.
func (e *Executor) skipRemaining(execID string, def *schema.NarrativeDefinition, from int, result *RunResult) {
	// Uses a fresh context: skip bookkeeping must outlive cancellation.
	ctx := context.Background()
	for i := from; i < len(def.Acts); i++ {
		name := def.Acts[i].Name
		if err := e.actFSM.Transition(ctx, execID, name, schema.ActStatusPending, schema.ActStatusSkipped); err != nil {
			e.logger.Error("act skip transition", "act", name, "error", err)
			continue
		}
		result.Acts = append(result.Acts, ActResult{Act: name, Status: schema.ActStatusSkipped})
	}
}

// failNarrative finalizes a failed run with its operator-facing reason.
func (e *Executor) failNarrative(execID, actName string, cause error, result *RunResult) (*RunResult, error) {
	// Finalization must outlive the (possibly cancelled) run context.
	ctx := context.Background()

	var se *schema.StagehandError
	if !errors.As(cause, &se) {
		se = schema.NewError(schema.ErrCodeExecution, cause.Error()).WithCause(cause)
	}
	if se.Act == "" {
		se = se.WithAct(actName)
	}

	reason := schema.FailureReason(se)
	failed := schema.NarrativeStatusFailed
	now := time.Now().UTC()

	if err := e.narrativeFSM.Transition(ctx, execID, schema.NarrativeStatusRunning, schema.NarrativeStatusFailed); err != nil {
		e.logger.Error("narrative failure transition", "execution_id", execID, "error", err)
	}
	if err := e.store.UpdateExecution(ctx, execID, store.ExecutionUpdate{
		Status:      &failed,
		Reason:      reason,
		Error:       errPayload(se),
		CompletedAt: &now,
	}); err != nil {
		e.logger.Error("record narrative failure", "execution_id", execID, "error", err)
	}

	result.Status = schema.NarrativeStatusFailed
	result.Reason = reason
	result.Err = se

	e.logger.Error("narrative failed",
		"execution_id", execID, "act", actName, "reason", reason, "code", se.Code)

	return result, se
}

func (e *Executor) appendEvent(ctx context.Context, event *store.Event) {
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Error("append event", "type", event.Type, "error", err)
	}
}

func errPayload(err error) json.RawMessage {
	var se *schema.StagehandError
	if errors.As(err, &se) {
		b, merr := json.Marshal(map[string]any{
			"code":    se.Code,
			"message": se.Message,
			"act":     se.Act,
			"details": se.Details,
		})
		if merr == nil {
			return b
		}
	}
	b, merr := json.Marshal(map[string]any{"message": err.Error()})
	if merr != nil {
		return nil
	}
	return b
}

func jsonPayload(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
