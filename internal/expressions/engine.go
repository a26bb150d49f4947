package expressions

import "context"

// Engine evaluates expressions against a data environment.
// Three implementations: Expr (row filters), GoJQ (row transforms),
// CEL (security gate rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
