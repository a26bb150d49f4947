package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Narrative executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *NarrativeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO narrative_executions (id, narrative, task_id, status, reason, error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Narrative, nullStr(exec.TaskID), string(exec.Status),
		nullStr(exec.Reason), nullRaw(exec.Error),
		timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*NarrativeExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, narrative, task_id, status, reason, error, started_at, completed_at, updated_at
		 FROM narrative_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Reason != "" {
		sets = append(sets, "reason = ?")
		args = append(args, update.Reason)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE narrative_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*NarrativeExecution, error) {
	var where []string
	var args []any

	if filter.Narrative != "" {
		where = append(where, "narrative = ?")
		args = append(args, filter.Narrative)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, narrative, task_id, status, reason, error, started_at, completed_at, updated_at FROM narrative_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*NarrativeExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*NarrativeExecution, error) {
	exec := &NarrativeExecution{}
	var taskID, reason, errJSON sql.NullString
	var completedAt sql.NullTime
	var status string
	err := row.Scan(&exec.ID, &exec.Narrative, &taskID, &status, &reason, &errJSON,
		&exec.StartedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.TaskID = taskID.String
	exec.Status = schema.NarrativeStatus(status)
	exec.Reason = reason.String
	exec.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Act executions ---

// CreateActExecution persists an act record and all of its inputs in one
// transaction, so a crash can never leave a response without its inputs.
func (s *LibSQLStore) CreateActExecution(ctx context.Context, act *ActExecution, inputs []*ActInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin act execution: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO act_executions (id, execution_id, seq, act_name, model, temperature, max_tokens, response, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		act.ID, act.ExecutionID, act.Seq, act.ActName, act.Model, act.Temperature,
		act.MaxTokens, act.Response, act.PromptTokens, act.CompletionTokens, timeOrNow(act.CreatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, in := range inputs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO act_inputs (act_execution_id, position, kind, content, payload) VALUES (?, ?, ?, ?, ?)`,
			act.ID, in.Position, string(in.Kind), in.Content, nullRaw(in.Payload),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) ListActExecutions(ctx context.Context, executionID string) ([]*ActExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, seq, act_name, model, temperature, max_tokens, response, prompt_tokens, completion_tokens, created_at
		 FROM act_executions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acts []*ActExecution
	for rows.Next() {
		a := &ActExecution{}
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.Seq, &a.ActName, &a.Model,
			&a.Temperature, &a.MaxTokens, &a.Response, &a.PromptTokens, &a.CompletionTokens, &a.CreatedAt); err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

func (s *LibSQLStore) ListActInputs(ctx context.Context, actExecutionID string) ([]*ActInput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT act_execution_id, position, kind, content, payload
		 FROM act_inputs WHERE act_execution_id = ? ORDER BY position`, actExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inputs []*ActInput
	for rows.Next() {
		in := &ActInput{}
		var kind string
		var payload sql.NullString
		if err := rows.Scan(&in.ActExecutionID, &in.Position, &kind, &in.Content, &payload); err != nil {
			return nil, err
		}
		in.Kind = schema.InputKind(kind)
		in.Payload = rawOrNil(payload)
		inputs = append(inputs, in)
	}
	return inputs, rows.Err()
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *TaskState) error {
	policy, err := json.Marshal(task.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, actor, narrative, policy, last_run_at, next_run_at, consecutive_failures, paused, paused_at, lease_owner, lease_expires_at, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Actor, task.Narrative, string(policy),
		nullTime(task.LastRunAt), nullTime(task.NextRunAt),
		task.ConsecutiveFailures, boolToInt(task.Paused), nullTime(task.PausedAt),
		nullStr(task.LeaseOwner), nullTime(task.LeaseExpiresAt), nullRaw(task.Metadata),
		timeOrNow(task.CreatedAt), timeOrNow(task.UpdatedAt),
	)
	return err
}

const taskColumns = `id, actor, narrative, policy, last_run_at, next_run_at, consecutive_failures, paused, paused_at, lease_owner, lease_expires_at, metadata, created_at, updated_at`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*TaskState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return task, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.ConsecutiveFailures != nil {
		sets = append(sets, "consecutive_failures = ?")
		args = append(args, *update.ConsecutiveFailures)
	}
	if update.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, boolToInt(*update.Paused))
	}
	if update.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, *update.PausedAt)
	} else if update.ClearPausedAt {
		sets = append(sets, "paused_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskState, error) {
	var where []string
	var args []any

	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Paused != nil {
		where = append(where, "paused = ?")
		args = append(args, boolToInt(*filter.Paused))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

func (s *LibSQLStore) ListDueTasks(ctx context.Context, now time.Time) ([]*TaskState, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE paused = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`, now)
}

func (s *LibSQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*TaskState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TaskState
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*TaskState, error) {
	t := &TaskState{}
	var policyJSON string
	var lastRun, nextRun, pausedAt, leaseExpires sql.NullTime
	var paused int
	var leaseOwner, metadata sql.NullString
	err := row.Scan(&t.ID, &t.Actor, &t.Narrative, &policyJSON, &lastRun, &nextRun,
		&t.ConsecutiveFailures, &paused, &pausedAt, &leaseOwner, &leaseExpires,
		&metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policyJSON), &t.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	t.Paused = paused != 0
	t.LeaseOwner = leaseOwner.String
	t.Metadata = rawOrNil(metadata)
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	if pausedAt.Valid {
		t.PausedAt = &pausedAt.Time
	}
	if leaseExpires.Valid {
		t.LeaseExpiresAt = &leaseExpires.Time
	}
	return t, nil
}

// AcquireLease claims a task with a single conditional update: it succeeds
// only when no lease exists, the lease is the caller's own, or the previous
// lease has expired. Zero rows affected means another worker holds the task.
func (s *LibSQLStore) AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at <= ?)`,
		owner, expires, id, owner, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND lease_owner = ?`, id, owner)
	return err
}

// --- State entries ---

func (s *LibSQLStore) PutState(ctx context.Context, entry *StateEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_entries (scope, scope_id, key, value, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(scope, scope_id, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		entry.Scope, entry.ScopeID, entry.Key, string(entry.Value),
	)
	return err
}

func (s *LibSQLStore) GetState(ctx context.Context, scope, scopeID, key string) (*StateEntry, error) {
	e := &StateEntry{}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, scope_id, key, value, updated_at FROM state_entries
		 WHERE scope = ? AND scope_id = ? AND key = ?`, scope, scopeID, key,
	).Scan(&e.Scope, &e.ScopeID, &e.Key, &value, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("state entry", scope+"/"+scopeID+"/"+key)
	}
	if err != nil {
		return nil, err
	}
	e.Value = json.RawMessage(value)
	return e, nil
}

func (s *LibSQLStore) ListState(ctx context.Context, scope, scopeID string) ([]*StateEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, scope_id, key, value, updated_at FROM state_entries
		 WHERE scope = ? AND scope_id = ? ORDER BY key`, scope, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*StateEntry
	for rows.Next() {
		e := &StateEntry{}
		var value string
		if err := rows.Scan(&e.Scope, &e.ScopeID, &e.Key, &value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Value = json.RawMessage(value)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Content rows ---

func (s *LibSQLStore) QueryRows(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	query := `SELECT data FROM content_rows WHERE table_name = ? ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("unmarshal content row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertRows appends rows to a content table, silently skipping rows whose
// content hash already exists. Returns the number of rows actually inserted.
func (s *LibSQLStore) InsertRows(ctx context.Context, table string, rows []map[string]any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert rows: %w", err)
	}

	inserted := 0
	for _, row := range rows {
		data, err := canonicalJSON(row)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("marshal content row: %w", err)
		}
		sum := sha256.Sum256(data)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO content_rows (table_name, row_hash, data) VALUES (?, ?, ?)
			 ON CONFLICT(table_name, row_hash) DO NOTHING`,
			table, hex.EncodeToString(sum[:]), string(data),
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// canonicalJSON marshals a row with sorted keys so equal content always
// hashes identically.
func canonicalJSON(row map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(row[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, task_id, act, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?,
		   (SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id IS ?))`,
		nullStr(event.ExecutionID), nullStr(event.TaskID), nullStr(event.Act),
		event.Type, nullRaw(event.Payload), ts, nullStr(event.ExecutionID),
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, task_id, act, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, taskID, act, payload sql.NullString
		if err := rows.Scan(&e.ID, &execID, &taskID, &act, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ExecutionID = execID.String
		e.TaskID = taskID.String
		e.Act = act.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListTaskEvents returns the journal entries recorded against a task,
// oldest first. Task events carry no execution id.
func (s *LibSQLStore) ListTaskEvents(ctx context.Context, taskID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, task_id, act, event_type, payload, timestamp, sequence
		 FROM events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, tID, act, payload sql.NullString
		if err := rows.Scan(&e.ID, &execID, &tID, &act, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ExecutionID = execID.String
		e.TaskID = tID.String
		e.Act = act.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StagehandError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
