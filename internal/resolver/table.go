package resolver

import (
	"encoding/json"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// renderRows turns filtered rows into prompt text. Format "table" (the
// default) renders a markdown table; "json" renders an indented JSON array.
// Any failure is a RENDER_ERROR; a partial dump is never produced.
func renderRows(rows []map[string]any, format string) (string, error) {
	switch format {
	case "", "table":
		return renderMarkdownTable(rows), nil
	case "json":
		b, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeRender,
				"render rows as json: %s", err.Error()).WithCause(err)
		}
		return string(b), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeRender,
			"unknown table format %q; supported: table, json", format)
	}
}

func renderMarkdownTable(rows []map[string]any) string {
	if len(rows) == 0 {
		return "(no rows)"
	}

	// Column order: union of keys across rows, sorted for stability.
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	w := table.NewWriter()
	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	w.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(cols))
		for i, c := range cols {
			if v, ok := row[c]; ok {
				r[i] = stringify(v)
			} else {
				r[i] = ""
			}
		}
		w.AppendRow(r)
	}

	return w.RenderMarkdown()
}
