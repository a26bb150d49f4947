package engine

import (
	"context"
	"sync"

	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; FSMs emit journal events on
// transitions through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Narrative FSM ---

type narrativeHookKey struct {
	from, to schema.NarrativeStatus
}

// NarrativeFSM manages narrative lifecycle state transitions.
type NarrativeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[narrativeHookKey][]TransitionHook
	after    map[narrativeHookKey][]TransitionHook
}

// NewNarrativeFSM creates a NarrativeFSM that emits events via the appender.
func NewNarrativeFSM(appender EventAppender) *NarrativeFSM {
	return &NarrativeFSM{
		appender: appender,
		before:   make(map[narrativeHookKey][]TransitionHook),
		after:    make(map[narrativeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a narrative transition.
func (f *NarrativeFSM) OnBefore(from, to schema.NarrativeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := narrativeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a narrative transition.
func (f *NarrativeFSM) OnAfter(from, to schema.NarrativeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := narrativeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a narrative state transition and emits
// the corresponding journal event. The caller (Executor) persists the new
// state to the store.
func (f *NarrativeFSM) Transition(ctx context.Context, executionID string, from, to schema.NarrativeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNarrativeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid narrative transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := narrativeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := narrativeEventType(to)
	if eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit narrative event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNarrativeTransition(from, to schema.NarrativeStatus) bool {
	allowed, ok := schema.ValidNarrativeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func narrativeEventType(to schema.NarrativeStatus) string {
	switch to {
	case schema.NarrativeStatusRunning:
		return schema.EventNarrativeStarted
	case schema.NarrativeStatusSucceeded:
		return schema.EventNarrativeSucceeded
	case schema.NarrativeStatusFailed:
		return schema.EventNarrativeFailed
	default:
		return ""
	}
}

// --- Act FSM ---

type actHookKey struct {
	from, to schema.ActStatus
}

// ActFSM manages act lifecycle state transitions.
type ActFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[actHookKey][]TransitionHook
	after    map[actHookKey][]TransitionHook
}

// NewActFSM creates an ActFSM that emits events via the appender.
func NewActFSM(appender EventAppender) *ActFSM {
	return &ActFSM{
		appender: appender,
		before:   make(map[actHookKey][]TransitionHook),
		after:    make(map[actHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an act transition.
func (f *ActFSM) OnBefore(from, to schema.ActStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := actHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an act transition.
func (f *ActFSM) OnAfter(from, to schema.ActStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := actHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an act state transition and emits the
// corresponding journal event.
func (f *ActFSM) Transition(ctx context.Context, executionID, actName string, from, to schema.ActStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidActTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid act transition: %s -> %s", from, to).
			WithAct(actName).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := actHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := actEventType(to)
	if eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Act:         actName,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit act event: %s", err.Error()).
				WithAct(actName).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidActTransition(from, to schema.ActStatus) bool {
	allowed, ok := schema.ValidActTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func actEventType(to schema.ActStatus) string {
	switch to {
	case schema.ActStatusRunning:
		return schema.EventActStarted
	case schema.ActStatusCompleted:
		return schema.EventActCompleted
	case schema.ActStatusFailed:
		return schema.EventActFailed
	case schema.ActStatusSkipped:
		return schema.EventActSkipped
	case schema.ActStatusRetrying:
		return schema.EventActRetrying
	default:
		return ""
	}
}
