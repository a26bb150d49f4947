package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator([]string{"extract", "transform", "dedup"})
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.NarrativeDefinition {
	return &schema.NarrativeDefinition{
		Name:        "daily-digest",
		TargetTable: "findings",
		Acts: []schema.Act{
			{
				Name: "research",
				Inputs: []schema.Input{
					{Kind: schema.InputText, Text: "Find recent items."},
				},
				Generation: schema.GenerationConfig{Model: "large", MaxTokens: 2000},
			},
			{
				Name: "extract",
				Inputs: []schema.Input{
					{Kind: schema.InputText, Text: "Structure {{research.response}} as JSON."},
				},
				Generation: schema.GenerationConfig{Model: "small", MaxTokens: 1000},
				Processors: []string{"extract", "dedup"},
				RowSchema:  `{"type":"object","required":["title"],"properties":{"title":{"type":"string"}}}`,
			},
		},
	}
}

func TestValidate_AcceptsWellFormedDefinition(t *testing.T) {
	v := newTestValidator(t)
	require.NoError(t, v.Validate(validDefinition()))
}

func assertValidationError(t *testing.T, err error) *schema.StagehandError {
	t.Helper()
	require.Error(t, err)
	var se *schema.StagehandError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
	return se
}

func TestValidate_StructuralViolations(t *testing.T) {
	v := newTestValidator(t)

	t.Run("nil definition", func(t *testing.T) {
		assertValidationError(t, v.Validate(nil))
	})

	t.Run("missing name", func(t *testing.T) {
		def := validDefinition()
		def.Name = ""
		assertValidationError(t, v.Validate(def))
	})

	t.Run("no acts", func(t *testing.T) {
		def := validDefinition()
		def.Acts = nil
		assertValidationError(t, v.Validate(def))
	})

	t.Run("act without inputs", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Inputs = nil
		assertValidationError(t, v.Validate(def))
	})

	t.Run("zero max_tokens", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Generation.MaxTokens = 0
		assertValidationError(t, v.Validate(def))
	})

	t.Run("missing model", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Generation.Model = ""
		assertValidationError(t, v.Validate(def))
	})

	t.Run("bad target table name", func(t *testing.T) {
		def := validDefinition()
		def.TargetTable = "drop table; --"
		assertValidationError(t, v.Validate(def))
	})

	t.Run("bad retry delay", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Retry = &schema.RetryPolicy{Max: 2, Delay: "soon"}
		assertValidationError(t, v.Validate(def))
	})

	t.Run("negative retry max", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Retry = &schema.RetryPolicy{Max: -1}
		assertValidationError(t, v.Validate(def))
	})
}

func TestValidate_DuplicateActNames(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition()
	def.Acts[1].Name = def.Acts[0].Name

	se := assertValidationError(t, v.Validate(def))
	assert.Contains(t, se.Message, "duplicate act name")
}

func TestValidate_UnknownProcessor(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition()
	def.Acts[1].Processors = []string{"extract", "summarize"}

	se := assertValidationError(t, v.Validate(def))
	assert.Contains(t, se.Message, `unknown processor "summarize"`)
}

func TestValidate_InputVariantMismatch(t *testing.T) {
	v := newTestValidator(t)

	t.Run("text input without text", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Inputs[0] = schema.Input{Kind: schema.InputText}
		assertValidationError(t, v.Validate(def))
	})

	t.Run("file input carrying text", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Inputs[0] = schema.Input{Kind: schema.InputFile, Path: "notes.md", Text: "extra"}
		assertValidationError(t, v.Validate(def))
	})

	t.Run("table input without table", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Inputs[0] = schema.Input{Kind: schema.InputTable}
		assertValidationError(t, v.Validate(def))
	})

	t.Run("command input without command", func(t *testing.T) {
		def := validDefinition()
		def.Acts[0].Inputs[0] = schema.Input{Kind: schema.InputCommand}
		assertValidationError(t, v.Validate(def))
	})
}

func TestValidate_BadRowSchema(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition()
	def.Acts[1].RowSchema = `{"type": "object", "required": "title"}`

	se := assertValidationError(t, v.Validate(def))
	assert.Contains(t, se.Message, "row schema")
}
