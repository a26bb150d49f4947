// Package validation checks narrative definitions before they are accepted:
// structural validation against an embedded JSON Schema, then semantic
// checks the schema cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// narrativeSchemaJSON is the JSON Schema for NarrativeDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const narrativeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagehand.run/schemas/narrative.json",
  "type": "object",
  "required": ["name", "acts"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "target_table": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
    },
    "skip_extraction": { "type": "boolean" },
    "acts": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/act" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "act": {
      "type": "object",
      "required": ["name", "inputs", "generation"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "inputs": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/input" }
        },
        "generation": { "$ref": "#/$defs/generation" },
        "processors": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "row_schema": { "type": "string" },
        "transform": { "type": "string" }
      },
      "additionalProperties": false
    },
    "input": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["text", "file", "table", "command"]
        },
        "text": { "type": "string" },
        "path": { "type": "string" },
        "table": { "$ref": "#/$defs/table_input" },
        "command": { "$ref": "#/$defs/command_input" }
      },
      "additionalProperties": false
    },
    "table_input": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "filter": { "type": "string" },
        "limit": {
          "type": "integer",
          "minimum": 0
        },
        "format": {
          "type": "string",
          "enum": ["table", "json"]
        }
      },
      "additionalProperties": false
    },
    "command_input": {
      "type": "object",
      "required": ["platform", "command"],
      "properties": {
        "platform": { "type": "string", "minLength": 1 },
        "command": { "type": "string", "minLength": 1 },
        "args": { "type": "object" }
      },
      "additionalProperties": false
    },
    "generation": {
      "type": "object",
      "required": ["model", "max_tokens"],
      "properties": {
        "model": { "type": "string", "minLength": 1 },
        "temperature": {
          "type": "number",
          "minimum": 0,
          "maximum": 2
        },
        "max_tokens": {
          "type": "integer",
          "minimum": 1
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator validates narrative definitions. Safe for concurrent use.
type Validator struct {
	narrativeSchema *jsonschema.Schema
	processorNames  map[string]struct{}
}

// NewValidator compiles the embedded narrative schema. knownProcessors lists
// the processor names acts may opt into.
func NewValidator(knownProcessors []string) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(narrativeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal narrative schema: %w", err)
	}
	if err := c.AddResource("https://stagehand.run/schemas/narrative.json", doc); err != nil {
		return nil, fmt.Errorf("add narrative schema resource: %w", err)
	}
	compiled, err := c.Compile("https://stagehand.run/schemas/narrative.json")
	if err != nil {
		return nil, fmt.Errorf("compile narrative schema: %w", err)
	}

	names := make(map[string]struct{}, len(knownProcessors))
	for _, n := range knownProcessors {
		names[n] = struct{}{}
	}
	return &Validator{narrativeSchema: compiled, processorNames: names}, nil
}

// Validate checks a definition structurally and semantically. The first
// violation found is returned.
func (v *Validator) Validate(def *schema.NarrativeDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "narrative definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize narrative definition").WithCause(err)
	}
	if err := v.narrativeSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}

	return v.validateSemantic(def)
}

// toJSONValue round-trips a value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a structured
// error listing every leaf violation.
func toValidationError(err error) *schema.StagehandError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"definition invalid with %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
