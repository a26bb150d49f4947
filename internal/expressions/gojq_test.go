package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

func TestGoJQEvaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	got, err := e.Evaluate(ctx, ".title | ascii_downcase", map[string]any{"title": "HELLO"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestGoJQEvaluate_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	got, err := e.Evaluate(ctx, ".items[]", map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)
}

func TestGoJQEvaluateAll(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	// Reshape a list of rows the way the transform processor does.
	rows := []any{
		map[string]any{"title": "a", "noise": true},
		map[string]any{"title": "b", "noise": false},
	}
	got, err := e.EvaluateAll(ctx, ".[] | {headline: .title}", rows)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"headline": "a"}, got[0])
}

func TestGoJQEvaluate_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".foo |", map[string]any{})
	require.Error(t, err)
	shErr, ok := err.(*schema.StagehandError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, shErr.Code)
}

func TestGoJQEvaluate_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, got)
}
