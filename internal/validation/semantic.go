package validation

import (
	"encoding/json"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// validateSemantic runs the checks JSON Schema cannot express: unique act
// names, input variants matching their kind, known processor names, and
// compilable row schemas.
func (v *Validator) validateSemantic(def *schema.NarrativeDefinition) error {
	seen := make(map[string]struct{}, len(def.Acts))
	for i := range def.Acts {
		act := &def.Acts[i]

		if _, dup := seen[act.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate act name %q", act.Name).WithAct(act.Name)
		}
		seen[act.Name] = struct{}{}

		for j := range act.Inputs {
			if err := validateInputVariant(&act.Inputs[j], act.Name, j); err != nil {
				return err
			}
		}

		for _, name := range act.Processors {
			if _, known := v.processorNames[name]; !known {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"act %q opts into unknown processor %q", act.Name, name).WithAct(act.Name)
			}
		}

		if act.RowSchema != "" {
			if err := checkRowSchemaCompiles(act.RowSchema); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"act %q row schema: %s", act.Name, err.Error()).WithAct(act.Name).WithCause(err)
			}
		}
	}
	return nil
}

// validateInputVariant verifies exactly the field matching Kind is set.
func validateInputVariant(in *schema.Input, actName string, pos int) error {
	fail := func(msg string) error {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"act %q input %d: %s", actName, pos, msg).WithAct(actName)
	}

	switch in.Kind {
	case schema.InputText:
		if in.Text == "" {
			return fail("text input requires text")
		}
		if in.Path != "" || in.Table != nil || in.Command != nil {
			return fail("text input must set only text")
		}
	case schema.InputFile:
		if in.Path == "" {
			return fail("file input requires path")
		}
		if in.Text != "" || in.Table != nil || in.Command != nil {
			return fail("file input must set only path")
		}
	case schema.InputTable:
		if in.Table == nil {
			return fail("table input requires table")
		}
		if in.Text != "" || in.Path != "" || in.Command != nil {
			return fail("table input must set only table")
		}
	case schema.InputCommand:
		if in.Command == nil {
			return fail("command input requires command")
		}
		if in.Text != "" || in.Path != "" || in.Table != nil {
			return fail("command input must set only command")
		}
	default:
		return fail("unknown input kind " + string(in.Kind))
	}
	return nil
}

// checkRowSchemaCompiles compiles the row schema the same way the extract
// processor will, so misconfiguration surfaces at load time instead of
// mid-run.
func checkRowSchemaCompiles(rowSchema string) error {
	var raw any
	if err := json.Unmarshal([]byte(rowSchema), &raw); err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rowSchema))
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("stagehand://validate/row-schema", doc); err != nil {
		return err
	}
	_, err = c.Compile("stagehand://validate/row-schema")
	return err
}
