package store

import (
	"encoding/json"
	"time"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// NarrativeExecution is the persisted record of one narrative run.
// Created at run start, mutated only by the executor, terminal once
// succeeded or failed.
type NarrativeExecution struct {
	ID          string                 `json:"id"`
	Narrative   string                 `json:"narrative"`
	TaskID      string                 `json:"task_id,omitempty"`
	Status      schema.NarrativeStatus `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ActExecution is the write-once record of one generation call. Response
// holds the backend's output byte-identical to what was returned — nothing
// between capture and persistence may truncate, clear, or re-encode it.
type ActExecution struct {
	ID               string    `json:"id"`
	ExecutionID      string    `json:"execution_id"`
	Seq              int       `json:"seq"`
	ActName          string    `json:"act_name"`
	Model            string    `json:"model"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"max_tokens"`
	Response         string    `json:"response"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ActInput is the write-once record of one resolved input of an act.
type ActInput struct {
	ActExecutionID string           `json:"act_execution_id"`
	Position       int              `json:"position"`
	Kind           schema.InputKind `json:"kind"`
	Content        string           `json:"content"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
}

// TaskState is the durable record of one recurring actor task. Owned by the
// scheduler and tracker; updated after every dispatch attempt.
type TaskState struct {
	ID                  string                `json:"id"`
	Actor               string                `json:"actor"`
	Narrative           string                `json:"narrative"`
	Policy              schema.SchedulePolicy `json:"policy"`
	LastRunAt           *time.Time            `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time            `json:"next_run_at,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	Paused              bool                  `json:"paused"`
	PausedAt            *time.Time            `json:"paused_at,omitempty"`
	LeaseOwner          string                `json:"lease_owner,omitempty"`
	LeaseExpiresAt      *time.Time            `json:"lease_expires_at,omitempty"`
	Metadata            json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// StateEntry is one scoped key-value variable available to template
// resolution. Keys are unique within (scope, scope_id).
type StateEntry struct {
	Scope     string          `json:"scope"` // "execution" or "actor"
	ScopeID   string          `json:"scope_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State scopes.
const (
	ScopeExecution = "execution"
	ScopeActor     = "actor"
)

// Event is an immutable entry in the execution journal.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	Act         string          `json:"act,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// ExecutionUpdate specifies mutable fields of a narrative execution.
type ExecutionUpdate struct {
	Status      *schema.NarrativeStatus `json:"status,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Narrative string                  `json:"narrative,omitempty"`
	TaskID    string                  `json:"task_id,omitempty"`
	Status    *schema.NarrativeStatus `json:"status,omitempty"`
	Since     *time.Time              `json:"since,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
}

// TaskUpdate specifies mutable fields of a task. Failure counter and pause
// flag travel together so a tracker transition persists atomically.
type TaskUpdate struct {
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	ConsecutiveFailures *int       `json:"consecutive_failures,omitempty"`
	Paused              *bool      `json:"paused,omitempty"`
	PausedAt            *time.Time `json:"paused_at,omitempty"`
	ClearPausedAt       bool       `json:"clear_paused_at,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Actor  string `json:"actor,omitempty"`
	Paused *bool  `json:"paused,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
