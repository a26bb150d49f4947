// Package processors holds the post-generation pipeline. Processors run
// only when an act explicitly opts in; a raw response is never parsed,
// trimmed, or validated by default.
package processors

import (
	"context"
	"fmt"
	"sync"
)

// ActContext carries the act-level configuration a processor may need.
type ActContext struct {
	Narrative   string
	Act         string
	TargetTable string
	// RowSchema is the JSON Schema extracted rows must satisfy (extract).
	RowSchema string
	// Transform is the jq expression applied to rows (transform).
	Transform string
}

// Payload is what flows through the pipeline. Response is the persisted
// raw text; Rows accumulate as processors produce them. Processors must
// never mutate Response.
type Payload struct {
	Response string
	Rows     []map[string]any
}

// Processor is one opt-in pipeline stage.
type Processor interface {
	Name() string
	Process(ctx context.Context, ac *ActContext, p *Payload) (*Payload, error)
}

// Registry maps processor names to implementations. Safe for concurrent
// reads after construction.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register adds a processor. A duplicate name is a construction-time error.
func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("processor %q already registered", name)
	}
	r.processors[name] = p
	return nil
}

// Get returns the processor for a name.
func (r *Registry) Get(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

// Names returns the registered processor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	return names
}
