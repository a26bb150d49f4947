package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/internal/backend"
	"github.com/stagehand-run/stagehand/internal/expressions"
	"github.com/stagehand-run/stagehand/internal/gate"
	"github.com/stagehand-run/stagehand/internal/platform"
	"github.com/stagehand-run/stagehand/internal/processors"
	"github.com/stagehand-run/stagehand/internal/resolver"
	"github.com/stagehand-run/stagehand/internal/state"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

type executorFixture struct {
	store     *store.LibSQLStore
	backend   *backend.FakeBackend
	registry  *processors.Registry
	platforms *platform.Registry
	executor  *Executor
}

func newExecutorFixture(t *testing.T, be *backend.FakeBackend, g gate.Gate, extra ...processors.Processor) *executorFixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	states := state.NewManager(s)
	platforms := platform.NewRegistry()
	res := resolver.New(s, states, expressions.NewExprEngine(), platforms, g, nil, resolver.Options{})

	reg := processors.NewRegistry()
	require.NoError(t, reg.Register(processors.NewExtractProcessor()))
	require.NoError(t, reg.Register(processors.NewTransformProcessor(expressions.NewGoJQEngine())))
	for _, p := range extra {
		require.NoError(t, reg.Register(p))
	}

	return &executorFixture{
		store:     s,
		backend:   be,
		registry:  reg,
		platforms: platforms,
		executor:  NewExecutor(s, states, res, be, reg, nil),
	}
}

// fixedRunner returns the same result for every command.
type fixedRunner struct {
	name   string
	result *platform.Result
}

func (r *fixedRunner) Name() string { return r.name }
func (r *fixedRunner) Run(ctx context.Context, command string, args map[string]any) (*platform.Result, error) {
	return r.result, nil
}

func textAct(name, text string, maxTokens int) schema.Act {
	return schema.Act{
		Name: name,
		Inputs: []schema.Input{
			{Kind: schema.InputText, Text: text},
		},
		Generation: schema.GenerationConfig{Model: "test-model", MaxTokens: maxTokens},
	}
}

// spyProcessor counts its invocations.
type spyProcessor struct {
	name  string
	calls int
}

func (s *spyProcessor) Name() string { return s.name }
func (s *spyProcessor) Process(ctx context.Context, ac *processors.ActContext, p *processors.Payload) (*processors.Payload, error) {
	s.calls++
	return p, nil
}

func TestRun_TwoActHappyPath(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.FakeText("research notes"),
		backend.FakeText("final draft"),
	)
	f := newExecutorFixture(t, be, nil)
	ctx := context.Background()

	def := &schema.NarrativeDefinition{
		Name: "two-act",
		Acts: []schema.Act{
			textAct("research", "Find sources.", 500),
			textAct("draft", "Write using {{research.response}}.", 500),
		},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, result.Status)
	require.Len(t, result.Acts, 2)
	assert.Equal(t, schema.ActStatusCompleted, result.Acts[0].Status)
	assert.Equal(t, schema.ActStatusCompleted, result.Acts[1].Status)

	// The second act's prompt saw the first act's response.
	calls := be.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Write using research notes.", calls[1].Messages[0].Content)

	// Both responses persisted, in order.
	acts, err := f.store.ListActExecutions(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "research notes", acts[0].Response)
	assert.Equal(t, "final draft", acts[1].Response)

	exec, err := f.store.GetExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
}

func TestRun_CommandPayloadFlowsToLaterActs(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.FakeText("announcement drafted"),
		backend.FakeText("followup drafted"),
	)
	f := newExecutorFixture(t, be, nil)
	require.NoError(t, f.platforms.Register(&fixedRunner{
		name: "social",
		result: &platform.Result{
			Summary: "posted",
			Payload: map[string]any{"message_id": "m-42"},
		},
	}))
	ctx := context.Background()

	def := &schema.NarrativeDefinition{
		Name: "announce-flow",
		Acts: []schema.Act{
			{
				Name: "announce",
				Inputs: []schema.Input{
					{Kind: schema.InputCommand, Command: &schema.CommandInput{
						Platform: "social",
						Command:  "post",
					}},
					{Kind: schema.InputText, Text: "Draft the announcement."},
				},
				Generation: schema.GenerationConfig{Model: "test-model", MaxTokens: 500},
			},
			textAct("followup", "Reply to {{announce.message_id}} using {{announce.response}}.", 500),
		},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, result.Status)

	// The second act's prompt reached both the command payload field and
	// the first act's response.
	calls := be.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Reply to m-42 using announcement drafted.", calls[1].Messages[0].Content)
}

func TestRun_ResponseCapturedByteIdentical(t *testing.T) {
	raw := "  Sure! Here you go:\n\n```json\n[{\"a\": 1}]\n```\n\nHope that helps!  \n"
	be := backend.NewFakeBackend(backend.FakeText(raw))
	f := newExecutorFixture(t, be, nil)
	ctx := context.Background()

	def := &schema.NarrativeDefinition{
		Name: "capture",
		Acts: []schema.Act{textAct("gen", "Go.", 500)},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.NoError(t, err)

	acts, err := f.store.ListActExecutions(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, raw, acts[0].Response)
}

func TestRun_BudgetGuardStopsBeforeBackend(t *testing.T) {
	be := backend.NewFakeBackend(backend.FakeText("never"))
	f := newExecutorFixture(t, be, nil)

	def := &schema.NarrativeDefinition{
		Name: "budget",
		Acts: []schema.Act{textAct("big", strings.Repeat("x", 2200), 50)},
	}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.NarrativeStatusFailed, result.Status)
	assert.Equal(t, "could not resolve inputs", result.Reason)
	assert.Equal(t, 0, be.CallCount())
}

func TestRun_UnresolvedReferenceFailsBeforeBackend(t *testing.T) {
	be := backend.NewFakeBackend(backend.FakeText("never"))
	f := newExecutorFixture(t, be, nil)

	def := &schema.NarrativeDefinition{
		Name: "unresolved",
		Acts: []schema.Act{textAct("draft", "{{missing.response}}", 500)},
	}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.NarrativeStatusFailed, result.Status)
	assert.Equal(t, "could not resolve inputs", result.Reason)
	assert.Equal(t, 0, be.CallCount())
}

func TestRun_TimeoutRetriesToCeiling(t *testing.T) {
	timeout := schema.NewError(schema.ErrCodeBackendTimeout, "deadline exceeded")
	be := backend.NewFakeBackend(
		backend.FakeError(timeout),
		backend.FakeError(timeout),
		backend.FakeError(timeout),
	)
	f := newExecutorFixture(t, be, nil)

	act := textAct("flaky", "Go.", 500)
	act.Retry = &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}
	def := &schema.NarrativeDefinition{Name: "retry", Acts: []schema.Act{act}}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.NarrativeStatusFailed, result.Status)
	assert.Equal(t, "backend unavailable", result.Reason)
	// First call plus exactly two retries.
	assert.Equal(t, 3, be.CallCount())
	require.Len(t, result.Acts, 1)
	assert.Equal(t, 3, result.Acts[0].Attempts)
}

func TestRun_RetrySucceedsAfterTransientFailure(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.FakeError(schema.NewError(schema.ErrCodeBackendTimeout, "deadline exceeded")),
		backend.FakeText("recovered"),
	)
	f := newExecutorFixture(t, be, nil)

	act := textAct("flaky", "Go.", 500)
	act.Retry = &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}
	def := &schema.NarrativeDefinition{Name: "retry-ok", Acts: []schema.Act{act}}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, result.Status)
	assert.Equal(t, 2, be.CallCount())
}

func TestRun_NonRetryableBackendErrorFailsImmediately(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.FakeError(schema.NewError(schema.ErrCodeBackendAuth, "bad key")),
	)
	f := newExecutorFixture(t, be, nil)

	act := textAct("auth", "Go.", 500)
	act.Retry = &schema.RetryPolicy{Max: 5, Delay: "1ms"}
	def := &schema.NarrativeDefinition{Name: "auth-fail", Acts: []schema.Act{act}}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, "backend unavailable", result.Reason)
	assert.Equal(t, 1, be.CallCount())
}

func TestRun_SpyProcessorCallCounts(t *testing.T) {
	spy := &spyProcessor{name: "spy"}
	be := backend.NewFakeBackend(
		backend.FakeText("with spy"),
		backend.FakeText("without spy"),
	)
	f := newExecutorFixture(t, be, nil, spy)

	withSpy := textAct("opted-in", "Go.", 500)
	withSpy.Processors = []string{"spy"}
	def := &schema.NarrativeDefinition{
		Name: "opt-in",
		Acts: []schema.Act{
			withSpy,
			textAct("opted-out", "Go.", 500),
		},
	}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, result.Status)
	// Exactly one act opted in, so exactly one invocation.
	assert.Equal(t, 1, spy.calls)
}

func TestRun_ExtractionStoresRows(t *testing.T) {
	be := backend.NewFakeBackend(
		backend.FakeText("Here:\n```json\n[{\"title\":\"a\"},{\"title\":\"b\"},{\"title\":\"a\"}]\n```"),
	)
	f := newExecutorFixture(t, be, nil)
	ctx := context.Background()

	act := textAct("gather", "Go.", 500)
	act.Processors = []string{"extract", "dedup"}
	def := &schema.NarrativeDefinition{
		Name:        "extracting",
		TargetTable: "findings",
		Acts:        []schema.Act{act},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, result.Status)
	require.Len(t, result.Acts, 1)
	assert.Equal(t, 2, result.Acts[0].RowsStored)

	rows, err := f.store.QueryRows(ctx, "findings", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_ExtractionFailureFailsAct(t *testing.T) {
	be := backend.NewFakeBackend(backend.FakeText("no structured data here, sorry"))
	f := newExecutorFixture(t, be, nil)
	ctx := context.Background()

	act := textAct("gather", "Go.", 500)
	act.Processors = []string{"extract"}
	def := &schema.NarrativeDefinition{
		Name:        "extract-fail",
		TargetTable: "findings",
		Acts:        []schema.Act{act},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.NarrativeStatusFailed, result.Status)
	assert.Equal(t, "extraction failed", result.Reason)

	// The raw response was persisted before the processor ran.
	acts, err := f.store.ListActExecutions(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "no structured data here, sorry", acts[0].Response)
}

func TestRun_SkipExtractionBypassesProcessors(t *testing.T) {
	spy := &spyProcessor{name: "spy"}
	be := backend.NewFakeBackend(backend.FakeText("raw"))
	f := newExecutorFixture(t, be, nil, spy)

	act := textAct("gen", "Go.", 500)
	act.Processors = []string{"spy"}
	def := &schema.NarrativeDefinition{
		Name:           "skip",
		SkipExtraction: true,
		Acts:           []schema.Act{act},
	}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NarrativeStatusSucceeded, result.Status)
	assert.Equal(t, 0, spy.calls)
}

func TestRun_CancellationBetweenActs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	be := backend.NewFakeBackend(backend.FakeText("first"))
	f := newExecutorFixture(t, be, nil)

	// Cancel as soon as the first act's backend call happens.
	cancellingBackend := &cancelAfterFirst{inner: be, cancel: cancel}
	f.executor.backend = cancellingBackend

	def := &schema.NarrativeDefinition{
		Name: "cancelled",
		Acts: []schema.Act{
			textAct("first", "Go.", 500),
			textAct("second", "Go.", 500),
			textAct("third", "Go.", 500),
		},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.NarrativeStatusFailed, result.Status)
	assert.Equal(t, "cancelled", result.Reason)

	// First act completed; the rest were skipped, never started.
	assert.Equal(t, 1, be.CallCount())
	require.Len(t, result.Acts, 3)
	assert.Equal(t, schema.ActStatusCompleted, result.Acts[0].Status)
	assert.Equal(t, schema.ActStatusSkipped, result.Acts[1].Status)
	assert.Equal(t, schema.ActStatusSkipped, result.Acts[2].Status)
}

type cancelAfterFirst struct {
	inner  *backend.FakeBackend
	cancel context.CancelFunc
}

func (c *cancelAfterFirst) Name() string { return "cancel-after-first" }
func (c *cancelAfterFirst) Generate(ctx context.Context, messages []backend.Message, gen schema.GenerationConfig) (*backend.Response, error) {
	resp, err := c.inner.Generate(ctx, messages, gen)
	c.cancel()
	return resp, err
}

func TestRun_EventsJournalRecordsLifecycle(t *testing.T) {
	be := backend.NewFakeBackend(backend.FakeText("ok"))
	f := newExecutorFixture(t, be, nil)
	ctx := context.Background()

	def := &schema.NarrativeDefinition{
		Name: "journal",
		Acts: []schema.Act{textAct("only", "Go.", 500)},
	}

	result, err := f.executor.Run(ctx, def, RunOptions{})
	require.NoError(t, err)

	events, err := f.store.GetEvents(ctx, result.ExecutionID, 0)
	require.NoError(t, err)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		schema.EventNarrativeStarted,
		schema.EventActStarted,
		schema.EventActCompleted,
		schema.EventNarrativeSucceeded,
	}, types)
}

func TestRun_UnknownProcessorName(t *testing.T) {
	be := backend.NewFakeBackend(backend.FakeText("ok"))
	f := newExecutorFixture(t, be, nil)

	act := textAct("gen", "Go.", 500)
	act.Processors = []string{"nonexistent"}
	def := &schema.NarrativeDefinition{Name: "bad-proc", Acts: []schema.Act{act}}

	result, err := f.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.NarrativeStatusFailed, result.Status)
}
