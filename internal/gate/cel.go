package gate

import (
	"context"

	"github.com/stagehand-run/stagehand/internal/expressions"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// RuleEffect is what a matching rule does.
type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// Rule is one CEL policy rule. Expression evaluates against the request,
// actor, and narrative scopes; a rule matches when it yields true.
type Rule struct {
	Name       string     `json:"name" yaml:"name"`
	Expression string     `json:"expression" yaml:"expression"`
	Effect     RuleEffect `json:"effect" yaml:"effect"`
}

// CELGate evaluates rules in order; the first matching rule decides. When
// no rule matches, DefaultAllow decides.
type CELGate struct {
	engine       *expressions.CELEngine
	rules        []Rule
	defaultAllow bool
}

// NewCELGate compiles nothing eagerly; rule expressions compile on first
// use through the engine's cache. Invalid effects are rejected here so a
// bad policy file fails at startup, not at dispatch.
func NewCELGate(engine *expressions.CELEngine, rules []Rule, defaultAllow bool) (*CELGate, error) {
	for _, r := range rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"gate rule %q: effect must be allow or deny, got %q", r.Name, r.Effect)
		}
	}
	return &CELGate{engine: engine, rules: rules, defaultAllow: defaultAllow}, nil
}

func (g *CELGate) Check(ctx context.Context, req CommandRequest) (Decision, error) {
	data := map[string]any{
		"request": map[string]any{
			"platform": req.Platform,
			"command":  req.Command,
			"args":     argsOrEmpty(req.Args),
		},
		"actor": map[string]any{
			"name": req.Actor,
		},
		"narrative": map[string]any{
			"name": req.Narrative,
			"act":  req.Act,
		},
	}

	for _, r := range g.rules {
		out, err := g.engine.Evaluate(ctx, r.Expression, data)
		if err != nil {
			return Decision{}, schema.NewErrorf(schema.ErrCodeSecurityDenied,
				"gate rule %q failed to evaluate: %s", r.Name, err.Error()).WithCause(err)
		}
		matched, ok := out.(bool)
		if !ok {
			return Decision{}, schema.NewErrorf(schema.ErrCodeSecurityDenied,
				"gate rule %q must yield a boolean, got %T", r.Name, out)
		}
		if !matched {
			continue
		}
		if r.Effect == EffectAllow {
			return Decision{Allowed: true, Rule: r.Name}, nil
		}
		return Decision{
			Allowed: false,
			Rule:    r.Name,
			Reason:  "denied by rule " + r.Name,
		}, nil
	}

	if g.defaultAllow {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, Reason: "no rule matched and default is deny"}, nil
}

func argsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

var _ Gate = (*CELGate)(nil)
