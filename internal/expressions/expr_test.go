package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

func TestExprEvaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{
			name: "comparison",
			expr: "score > 0.5",
			data: map[string]any{"score": 0.9},
			want: true,
		},
		{
			name: "boolean combination",
			expr: "score > 0.5 and published",
			data: map[string]any{"score": 0.9, "published": false},
			want: false,
		},
		{
			name: "string operation",
			expr: `title startsWith "Breaking"`,
			data: map[string]any{"title": "Breaking: news"},
			want: true,
		},
		{
			name: "nil coalescing on missing column",
			expr: "(score ?? 0.0) > 0.5",
			data: map[string]any{"title": "x"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvaluate_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "score >>", map[string]any{"score": 1})
	require.Error(t, err)
	shErr, ok := err.(*schema.StagehandError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, shErr.Code)
}

func TestExprEvaluate_Empty(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestFilterRows(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	rows := []map[string]any{
		{"title": "a", "score": 0.9},
		{"title": "b", "score": 0.2},
		{"title": "c", "score": 0.7},
	}

	kept, err := e.FilterRows(ctx, "score > 0.5", rows)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0]["title"])
	assert.Equal(t, "c", kept[1]["title"])
}

func TestFilterRows_EmptyPredicateKeepsAll(t *testing.T) {
	e := NewExprEngine()
	rows := []map[string]any{{"a": 1}, {"a": 2}}
	kept, err := e.FilterRows(context.Background(), "", rows)
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}

func TestFilterRows_NonBooleanPredicate(t *testing.T) {
	e := NewExprEngine()
	rows := []map[string]any{{"score": 0.9}}
	_, err := e.FilterRows(context.Background(), "score + 1", rows)
	require.Error(t, err)
	shErr, ok := err.(*schema.StagehandError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, shErr.Code)
}

func TestExprCompileCached(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{"x": 1}

	_, err := e.Evaluate(ctx, "x > 0", data)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(ctx, "x > 0", data)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}
