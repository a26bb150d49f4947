// Package resolver turns an act's declared inputs into the prompt sent to
// the generation backend. Resolution is fail-fast: any unresolved
// reference, unreadable source, or render failure aborts the act before the
// backend is ever called.
package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand-run/stagehand/internal/backend"
	"github.com/stagehand-run/stagehand/internal/expressions"
	"github.com/stagehand-run/stagehand/internal/gate"
	"github.com/stagehand-run/stagehand/internal/platform"
	"github.com/stagehand-run/stagehand/internal/state"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// DefaultBudgetRatio is the minimum ratio of the output-token budget to the
// estimated prompt size. An act whose max_tokens falls below
// ratio * estimated prompt tokens fails with BUDGET_TOO_SMALL.
const DefaultBudgetRatio = 0.25

// bytesPerToken is the rough prompt-size heuristic used by the budget guard.
const bytesPerToken = 4

// ExecContext carries the per-execution data the resolver needs.
type ExecContext struct {
	ExecutionID string
	Narrative   string
	Actor       string
	Scope       *Scope
}

// ResolvedAct is the fully materialized prompt for one act, ready for the
// backend and for atomic persistence alongside the response.
type ResolvedAct struct {
	Messages              []backend.Message
	Inputs                []*store.ActInput
	PromptBytes           int
	EstimatedPromptTokens int
}

// Resolver materializes act inputs.
type Resolver struct {
	store       store.Store
	states      *state.Manager
	expr        *expressions.ExprEngine
	platforms   *platform.Registry
	gate        gate.Gate
	fileRoot    string
	budgetRatio float64
	logger      *slog.Logger
}

// Options configure a Resolver.
type Options struct {
	// FileRoot anchors relative file input paths. Empty means paths resolve
	// against the process working directory.
	FileRoot string
	// BudgetRatio overrides DefaultBudgetRatio when > 0.
	BudgetRatio float64
}

func New(s store.Store, states *state.Manager, exprEngine *expressions.ExprEngine,
	platforms *platform.Registry, g gate.Gate, logger *slog.Logger, opts Options) *Resolver {
	ratio := opts.BudgetRatio
	if ratio <= 0 {
		ratio = DefaultBudgetRatio
	}
	if g == nil {
		g = gate.AllowAll{}
	}
	return &Resolver{
		store:       s,
		states:      states,
		expr:        exprEngine,
		platforms:   platforms,
		gate:        g,
		fileRoot:    opts.FileRoot,
		budgetRatio: ratio,
		logger:      logger,
	}
}

// Resolve materializes every input of an act in declaration order, applies
// the output-token budget guard, and returns the prompt. On any error the
// act must not reach the backend.
func (r *Resolver) Resolve(ctx context.Context, act *schema.Act, ec *ExecContext) (*ResolvedAct, error) {
	resolved := &ResolvedAct{}

	for i, input := range act.Inputs {
		var (
			content string
			payload json.RawMessage
			err     error
		)
		switch input.Kind {
		case schema.InputText:
			content, err = RenderTemplate(input.Text, ec.Scope)
		case schema.InputFile:
			content, err = r.resolveFile(input.Path, ec)
		case schema.InputTable:
			content, payload, err = r.resolveTable(ctx, input.Table)
		case schema.InputCommand:
			content, payload, err = r.resolveCommand(ctx, act, input.Command, ec)
		default:
			err = schema.NewErrorf(schema.ErrCodeValidation,
				"unknown input kind %q at position %d", input.Kind, i)
		}
		if err != nil {
			return nil, err
		}

		resolved.Inputs = append(resolved.Inputs, &store.ActInput{
			Position: i,
			Kind:     input.Kind,
			Content:  content,
			Payload:  payload,
		})
		resolved.PromptBytes += len(content)
	}

	resolved.EstimatedPromptTokens = (resolved.PromptBytes + bytesPerToken - 1) / bytesPerToken

	if act.Generation.MaxTokens > 0 &&
		float64(act.Generation.MaxTokens) < r.budgetRatio*float64(resolved.EstimatedPromptTokens) {
		return nil, schema.NewErrorf(schema.ErrCodeBudget,
			"max_tokens %d is too small for an estimated prompt of %d tokens (minimum %d)",
			act.Generation.MaxTokens, resolved.EstimatedPromptTokens,
			int(r.budgetRatio*float64(resolved.EstimatedPromptTokens))).
			WithDetails(map[string]any{
				"max_tokens":       act.Generation.MaxTokens,
				"estimated_tokens": resolved.EstimatedPromptTokens,
				"prompt_bytes":     resolved.PromptBytes,
			})
	}

	parts := make([]string, len(resolved.Inputs))
	for i, in := range resolved.Inputs {
		parts[i] = in.Content
	}
	resolved.Messages = []backend.Message{
		{Role: backend.RoleUser, Content: strings.Join(parts, "\n\n")},
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "resolved act inputs",
			"act", act.Name,
			"inputs", len(resolved.Inputs),
			"prompt_bytes", resolved.PromptBytes,
		)
	}

	return resolved, nil
}

// resolveFile reads a file input. The path itself is templated; the file
// content is included verbatim.
func (r *Resolver) resolveFile(path string, ec *ExecContext) (string, error) {
	rendered, err := RenderTemplate(path, ec.Scope)
	if err != nil {
		return "", err
	}
	if r.fileRoot != "" && !filepath.IsAbs(rendered) {
		rendered = filepath.Join(r.fileRoot, rendered)
	}
	data, err := os.ReadFile(rendered)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInputSource,
			"read file input %q: %s", rendered, err.Error()).WithCause(err)
	}
	return string(data), nil
}

// resolveTable queries rows, applies the optional filter, and renders them.
func (r *Resolver) resolveTable(ctx context.Context, t *schema.TableInput) (string, json.RawMessage, error) {
	if t == nil || t.Name == "" {
		return "", nil, schema.NewError(schema.ErrCodeValidation, "table input requires a table name")
	}

	rows, err := r.store.QueryRows(ctx, t.Name, 0)
	if err != nil {
		return "", nil, schema.NewErrorf(schema.ErrCodeInputSource,
			"query table %q: %s", t.Name, err.Error()).WithCause(err)
	}

	if t.Filter != "" {
		rows, err = r.expr.FilterRows(ctx, t.Filter, rows)
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeRender,
				"filter rows of %q: %s", t.Name, err.Error()).WithCause(err)
		}
	}
	if t.Limit > 0 && len(rows) > t.Limit {
		rows = rows[:t.Limit]
	}

	content, err := renderRows(rows, t.Format)
	if err != nil {
		return "", nil, err
	}

	payload, _ := json.Marshal(map[string]any{"table": t.Name, "rows": len(rows)})
	return content, payload, nil
}

// resolveCommand checks the gate, runs the platform command, and publishes
// its structured payload to execution state under the act's name.
func (r *Resolver) resolveCommand(ctx context.Context, act *schema.Act, c *schema.CommandInput, ec *ExecContext) (string, json.RawMessage, error) {
	if c == nil || c.Platform == "" || c.Command == "" {
		return "", nil, schema.NewError(schema.ErrCodeValidation,
			"command input requires platform and command")
	}

	command, err := RenderTemplate(c.Command, ec.Scope)
	if err != nil {
		return "", nil, err
	}
	args, err := renderArgs(c.Args, ec.Scope)
	if err != nil {
		return "", nil, err
	}

	decision, err := r.gate.Check(ctx, gate.CommandRequest{
		Platform:  c.Platform,
		Command:   command,
		Args:      args,
		Actor:     ec.Actor,
		Narrative: ec.Narrative,
		Act:       act.Name,
	})
	if err != nil {
		return "", nil, schema.NewErrorf(schema.ErrCodeSecurityDenied,
			"gate check failed for %s.%s: %s", c.Platform, command, err.Error()).WithCause(err)
	}
	if !decision.Allowed {
		return "", nil, schema.NewErrorf(schema.ErrCodeSecurityDenied,
			"command %s.%s denied: %s", c.Platform, command, decision.Reason).
			WithDetails(map[string]any{"platform": c.Platform, "command": command, "rule": decision.Rule})
	}

	runner, err := r.platforms.Get(c.Platform)
	if err != nil {
		return "", nil, err
	}

	result, err := runner.Run(ctx, command, args)
	if err != nil {
		if se, ok := err.(*schema.StagehandError); ok {
			return "", nil, se
		}
		return "", nil, schema.NewErrorf(schema.ErrCodeInputSource,
			"platform command %s.%s failed: %s", c.Platform, command, err.Error()).WithCause(err)
	}

	var payload json.RawMessage
	if result.Payload != nil {
		payload, err = json.Marshal(result.Payload)
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeInputSource,
				"encode payload of %s.%s: %s", c.Platform, command, err.Error()).WithCause(err)
		}
		if r.states != nil && ec.ExecutionID != "" {
			if err := r.states.SetRaw(ctx, store.ScopeExecution, ec.ExecutionID, act.Name, payload); err != nil {
				return "", nil, err
			}
		}
		// Publish the payload fields under the act's name so later
		// templates can reference {{act.field}} directly.
		if ec.Scope != nil {
			if ec.Scope.Acts == nil {
				ec.Scope.Acts = make(map[string]map[string]any)
			}
			fields := ec.Scope.Acts[act.Name]
			if fields == nil {
				fields = make(map[string]any, len(result.Payload))
				ec.Scope.Acts[act.Name] = fields
			}
			for k, v := range result.Payload {
				fields[k] = v
			}
		}
	}

	return result.Summary, payload, nil
}

// renderArgs templates string argument values; other types pass through.
func renderArgs(args map[string]any, scope *Scope) (map[string]any, error) {
	if len(args) == 0 {
		return args, nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			rendered, err := RenderTemplate(s, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
			continue
		}
		out[k] = v
	}
	return out, nil
}
