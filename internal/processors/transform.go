package processors

import (
	"context"

	"github.com/stagehand-run/stagehand/internal/expressions"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// TransformProcessor reshapes extracted rows with a jq expression before
// they reach the store. The expression receives the row array as input and
// every output it yields must be an object. An act with no transform
// expression passes rows through unchanged.
type TransformProcessor struct {
	engine *expressions.GoJQEngine
}

func NewTransformProcessor(engine *expressions.GoJQEngine) *TransformProcessor {
	return &TransformProcessor{engine: engine}
}

func (p *TransformProcessor) Name() string { return "transform" }

func (p *TransformProcessor) Process(ctx context.Context, ac *ActContext, payload *Payload) (*Payload, error) {
	if ac == nil || ac.Transform == "" {
		return payload, nil
	}

	input := make([]any, len(payload.Rows))
	for i, row := range payload.Rows {
		input[i] = row
	}

	outputs, err := p.engine.EvaluateAll(ctx, ac.Transform, input)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(outputs))
	for i, out := range outputs {
		obj, ok := out.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"transform %q output %d is not an object (got %T)", ac.Transform, i, out)
		}
		rows = append(rows, obj)
	}

	return &Payload{Response: payload.Response, Rows: rows}, nil
}

var _ Processor = (*TransformProcessor)(nil)
