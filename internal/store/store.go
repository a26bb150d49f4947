package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Narrative executions
	CreateExecution(ctx context.Context, exec *NarrativeExecution) error
	GetExecution(ctx context.Context, id string) (*NarrativeExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*NarrativeExecution, error)

	// Act executions. CreateActExecution writes the act record and all of
	// its inputs in a single transaction.
	CreateActExecution(ctx context.Context, act *ActExecution, inputs []*ActInput) error
	ListActExecutions(ctx context.Context, executionID string) ([]*ActExecution, error)
	ListActInputs(ctx context.Context, actExecutionID string) ([]*ActInput, error)

	// Actor tasks
	CreateTask(ctx context.Context, task *TaskState) error
	GetTask(ctx context.Context, id string) (*TaskState, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskState, error)
	ListDueTasks(ctx context.Context, now time.Time) ([]*TaskState, error)
	// AcquireLease atomically claims a task for the given owner. It returns
	// false when another live lease exists; losing a race is a no-op.
	AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error

	// Scoped state entries. Later writes overwrite.
	PutState(ctx context.Context, entry *StateEntry) error
	GetState(ctx context.Context, scope, scopeID, key string) (*StateEntry, error)
	ListState(ctx context.Context, scope, scopeID string) ([]*StateEntry, error)

	// Content rows (table inputs read, extraction output lands here)
	QueryRows(ctx context.Context, table string, limit int) ([]map[string]any, error)
	InsertRows(ctx context.Context, table string, rows []map[string]any) (int, error)

	// Execution journal (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
