// Package state exposes the scoped key-value variables that template
// resolution reads and processors write. Execution-scoped entries live for
// one narrative run; actor-scoped entries persist across runs of a task.
package state

import (
	"context"
	"encoding/json"

	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// Manager provides scoped access to persisted state entries.
type Manager struct {
	store store.Store
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Set writes a value under the given scope. Later writes overwrite.
func (m *Manager) Set(ctx context.Context, scope, scopeID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal state value for %q: %v", key, err)
	}
	return m.store.PutState(ctx, &store.StateEntry{
		Scope:   scope,
		ScopeID: scopeID,
		Key:     key,
		Value:   raw,
	})
}

// SetRaw writes an already-encoded JSON value.
func (m *Manager) SetRaw(ctx context.Context, scope, scopeID, key string, value json.RawMessage) error {
	return m.store.PutState(ctx, &store.StateEntry{
		Scope:   scope,
		ScopeID: scopeID,
		Key:     key,
		Value:   value,
	})
}

// Get returns the decoded value for a key, or a NOT_FOUND error.
func (m *Manager) Get(ctx context.Context, scope, scopeID, key string) (any, error) {
	entry, err := m.store.GetState(ctx, scope, scopeID, key)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode state value for %q: %v", key, err)
	}
	return v, nil
}

// Snapshot returns every key in a scope as a decoded map. Template
// resolution takes one snapshot per act so a run sees a consistent view.
func (m *Manager) Snapshot(ctx context.Context, scope, scopeID string) (map[string]any, error) {
	entries, err := m.store.ListState(ctx, scope, scopeID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode state value for %q: %v", e.Key, err)
		}
		out[e.Key] = v
	}
	return out, nil
}
