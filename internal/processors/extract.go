package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// ExtractProcessor locates structured rows inside a raw model response.
// Models wrap JSON in markdown fences, lead-ins, and trailing prose; the
// locator tolerates all of that. Three failures stay distinct so operators
// can tune the prompt, the model, or the schema:
//
//   - EXTRACTION_NOT_FOUND:        no JSON candidate anywhere in the text
//   - EXTRACTION_MALFORMED:        a candidate exists but does not parse,
//     or parses to something other than an object or array of objects
//   - EXTRACTION_SCHEMA_MISMATCH:  rows parse but violate the row schema
//
// An empty array is a valid result: the model found nothing to report.
type ExtractProcessor struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewExtractProcessor() *ExtractProcessor {
	return &ExtractProcessor{cache: make(map[string]*jsonschema.Schema)}
}

func (p *ExtractProcessor) Name() string { return "extract" }

func (p *ExtractProcessor) Process(ctx context.Context, ac *ActContext, payload *Payload) (*Payload, error) {
	value, err := locateJSON(payload.Response)
	if err != nil {
		return nil, err
	}

	rows, err := normalizeRows(value)
	if err != nil {
		return nil, err
	}

	if ac != nil && ac.RowSchema != "" {
		if err := p.validateRows(rows, ac.RowSchema); err != nil {
			return nil, err
		}
	}

	return &Payload{Response: payload.Response, Rows: rows}, nil
}

// locateJSON finds the JSON value in a response. Fenced code blocks are
// tried first; without fences the text is scanned for the first parseable
// object or array.
func locateJSON(response string) (any, error) {
	candidates := fencedCandidates(response)
	if len(candidates) > 0 {
		for _, c := range candidates {
			var v any
			if err := json.Unmarshal([]byte(c), &v); err == nil {
				return v, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeExtractMalformed,
			"fenced block found but its content is not valid JSON")
	}

	// No fences: scan prose for the first parseable object or array.
	sawCandidate := false
	for i := 0; i < len(response); i++ {
		ch := response[i]
		if ch != '{' && ch != '[' {
			continue
		}
		sawCandidate = true
		dec := json.NewDecoder(strings.NewReader(response[i:]))
		var v any
		if err := dec.Decode(&v); err == nil {
			return v, nil
		}
	}

	if sawCandidate {
		return nil, schema.NewError(schema.ErrCodeExtractMalformed,
			"response contains '{' or '[' but no parseable JSON value")
	}
	return nil, schema.NewError(schema.ErrCodeExtractNotFound,
		"no JSON object or array found in response")
}

// fencedCandidates returns the contents of markdown code fences whose body
// looks like JSON, in order of appearance.
func fencedCandidates(s string) []string {
	var out []string
	for {
		open := strings.Index(s, "```")
		if open == -1 {
			break
		}
		rest := s[open+3:]

		// Skip the info string (e.g. "json") up to end of line.
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			break
		}
		body := rest[nl+1:]

		closing := strings.Index(body, "```")
		if closing == -1 {
			break
		}

		content := strings.TrimSpace(body[:closing])
		if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
			out = append(out, content)
		}

		s = body[closing+3:]
	}
	return out
}

// normalizeRows coerces the located value into a row slice. A single
// object becomes one row; an array must contain only objects.
func normalizeRows(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeExtractMalformed,
					"array element %d is not an object (got %T)", i, item)
			}
			rows = append(rows, obj)
		}
		return rows, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExtractMalformed,
			"extracted JSON must be an object or array of objects (got %T)", value)
	}
}

// validateRows checks every row against the act's row schema.
func (p *ExtractProcessor) validateRows(rows []map[string]any, rowSchema string) error {
	compiled, err := p.getOrCompile(rowSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid row schema").WithCause(err)
	}

	for i, row := range rows {
		doc, err := toJSONValue(row)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExtractSchema,
				"row %d cannot be serialized for validation", i).WithCause(err)
		}
		if err := compiled.Validate(doc); err != nil {
			violations := violationMessages(err)
			return schema.NewErrorf(schema.ErrCodeExtractSchema,
				"row %d violates the row schema: %s", i, strings.Join(violations, "; ")).
				WithDetails(map[string]any{"row": i, "violations": violations})
		}
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (p *ExtractProcessor) getOrCompile(rowSchema string) (*jsonschema.Schema, error) {
	p.mu.RLock()
	if cached, ok := p.cache[rowSchema]; ok {
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := p.cache[rowSchema]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rowSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions.
	url := fmt.Sprintf("stagehand://row-schema/%d", len(p.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	p.cache[rowSchema] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violationMessages flattens a jsonschema validation error into leaf
// messages with their instance locations.
func violationMessages(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

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

var _ Processor = (*ExtractProcessor)(nil)
