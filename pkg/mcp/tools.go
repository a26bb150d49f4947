package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stagehand-run/stagehand/internal/engine"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/pkg/schema"
)

// handleRun executes a loaded narrative synchronously.
func (s *StagehandServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("narrative")
	if err != nil {
		return mcp.NewToolResultError("narrative is required"), nil
	}
	actor := req.GetString("actor", "")

	def, lookupErr := s.library.Get(name)
	if lookupErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("narrative lookup failed: %v", lookupErr)), nil
	}

	result, runErr := s.executor.Run(ctx, def, engine.RunOptions{Actor: actor})
	if runErr != nil && result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("narrative execution failed: %v", runErr)), nil
	}
	// A failed run still produced a terminal execution; return it rather
	// than collapsing the failure taxonomy into a generic tool error.
	return marshalResult(result)
}

// handleStatus returns the execution record, its acts, and its journal.
func (s *StagehandServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", getErr)), nil
	}
	acts, actsErr := s.store.ListActExecutions(ctx, executionID)
	if actsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("act listing failed: %v", actsErr)), nil
	}
	events, eventsErr := s.store.GetEvents(ctx, executionID, 0)
	if eventsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event listing failed: %v", eventsErr)), nil
	}

	return marshalResult(map[string]any{
		"execution": exec,
		"acts":      acts,
		"events":    events,
	})
}

// handlePause pauses a scheduled task.
func (s *StagehandServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	reason := req.GetString("reason", "operator request")

	if pauseErr := s.tracker.Pause(ctx, taskID, reason); pauseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", pauseErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "task_id": taskID, "paused": true})
}

// handleResume resumes a paused task, bypassing the cooldown.
func (s *StagehandServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	if resumeErr := s.tracker.Resume(ctx, taskID); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "task_id": taskID, "paused": false})
}

// handleQuery lists executions, events, or tasks based on filters.
func (s *StagehandServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "tasks":
		return s.queryTasks(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *StagehandServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{Limit: extractInt(filter, "limit", 50)}
	if narrative, ok := filter["narrative"].(string); ok {
		ef.Narrative = narrative
	}
	if taskID, ok := filter["task_id"].(string); ok {
		ef.TaskID = taskID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ns := schema.NarrativeStatus(status)
		ef.Status = &ns
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *StagehandServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if executionID, ok := filter["execution_id"].(string); ok && executionID != "" {
		events, err := s.store.GetEvents(ctx, executionID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}
	if taskID, ok := filter["task_id"].(string); ok && taskID != "" {
		events, err := s.store.ListTaskEvents(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}
	return mcp.NewToolResultError("event query requires 'execution_id' or 'task_id' in filter"), nil
}

func (s *StagehandServer) queryTasks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TaskFilter{Limit: extractInt(filter, "limit", 50)}
	if actor, ok := filter["actor"].(string); ok {
		tf.Actor = actor
	}
	if paused, ok := filter["paused"].(bool); ok {
		tf.Paused = &paused
	}

	tasks, err := s.store.ListTasks(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
