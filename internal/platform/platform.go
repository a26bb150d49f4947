// Package platform defines the adapter contract for external surfaces
// (social feeds, mail, search) that command inputs talk to. Stagehand ships
// the registry and contract only; deployments register concrete runners.
package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// Result is a platform command outcome. Summary is the human-readable text
// that joins the prompt; Payload is the structured form written to
// execution state for later acts to reference.
type Result struct {
	Summary string         `json:"summary"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Runner executes commands against one platform.
type Runner interface {
	Name() string
	Run(ctx context.Context, command string, args map[string]any) (*Result, error)
}

// Registry holds the available platform runners. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds a runner. Registering a duplicate name is a programming
// error and fails loudly at startup.
func (r *Registry) Register(runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := runner.Name()
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("platform %q already registered", name)
	}
	r.runners[name] = runner
	return nil
}

// Get returns the runner for a platform name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInputSource,
			"unknown platform %q; registered: %v", name, r.namesLocked())
	}
	return runner, nil
}

// Names returns the registered platform names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	return names
}
