// Package loader reads narrative definitions from YAML files and validates
// them before they can be scheduled or run.
package loader

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-run/stagehand/internal/validation"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// Loader parses and validates definitions. Safe for concurrent use.
type Loader struct {
	validator *validation.Validator
}

func New(v *validation.Validator) *Loader {
	return &Loader{validator: v}
}

// Parse decodes one YAML document into a validated definition. Unknown
// fields are rejected so a typoed key never silently disables a feature.
func (l *Loader) Parse(data []byte) (*schema.NarrativeDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.NarrativeDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse narrative definition: %s", err.Error()).WithCause(err)
	}
	if err := l.validator.Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses one definition file.
func (l *Loader) LoadFile(path string) (*schema.NarrativeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"read narrative definition %q: %s", path, err.Error()).WithCause(err)
	}
	def, err := l.Parse(data)
	if err != nil {
		if se, ok := err.(*schema.StagehandError); ok {
			return nil, se.WithDetails(map[string]any{"path": path})
		}
		return nil, err
	}
	return def, nil
}

// LoadDir loads every .yaml/.yml file under dir (non-recursive) into a
// Library keyed by narrative name. Two files defining the same name is a
// conflict, not a silent override.
func (l *Loader) LoadDir(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"read definitions directory %q: %s", dir, err.Error()).WithCause(err)
	}

	lib := NewLibrary()
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry) {
			continue
		}
		def, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := lib.Add(def); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func isYAML(entry fs.DirEntry) bool {
	ext := strings.ToLower(filepath.Ext(entry.Name()))
	return ext == ".yaml" || ext == ".yml"
}

// Library is an in-memory index of loaded definitions by name.
type Library struct {
	mu   sync.RWMutex
	defs map[string]*schema.NarrativeDefinition
}

func NewLibrary() *Library {
	return &Library{defs: make(map[string]*schema.NarrativeDefinition)}
}

// Add registers a definition; duplicate names are rejected.
func (lib *Library) Add(def *schema.NarrativeDefinition) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if _, exists := lib.defs[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"narrative %q defined more than once", def.Name)
	}
	lib.defs[def.Name] = def
	return nil
}

// Get returns the definition with the given name.
func (lib *Library) Get(name string) (*schema.NarrativeDefinition, error) {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	def, ok := lib.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"narrative %q not found, known: %s", name, strings.Join(lib.namesLocked(), ", "))
	}
	return def, nil
}

// Names returns the registered narrative names in unspecified order.
func (lib *Library) Names() []string {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.namesLocked()
}

func (lib *Library) namesLocked() []string {
	names := make([]string, 0, len(lib.defs))
	for name := range lib.defs {
		names = append(names, name)
	}
	return names
}
