// Package sqlite is the durable Store backend, backed by a single sqlite
// database file in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/questforge/orchestrator/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveResult(ctx context.Context, result store.ExecutionResult) error {
	if result.ID == "" {
		return fmt.Errorf("result id is required")
	}
	if result.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if result.Status == "" {
		result.Status = store.StatusRunning
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal result metadata: %w", err)
	}

	const q = `
INSERT INTO execution_results (
  id, agent_id, checkpoint_id, quest_id, result, status, metadata, created_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  agent_id=excluded.agent_id,
  checkpoint_id=excluded.checkpoint_id,
  quest_id=excluded.quest_id,
  result=excluded.result,
  status=excluded.status,
  metadata=excluded.metadata,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		result.ID,
		result.AgentID,
		result.CheckpointID,
		result.QuestID,
		result.Result,
		string(result.Status),
		string(metaRaw),
		result.CreatedAt.UTC().Format(time.RFC3339Nano),
		toNullableTime(result.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (s *Store) UpdateResult(ctx context.Context, id string, patch store.ResultPatch) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("result id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin result update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, patch.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	if len(patch.Metadata) > 0 {
		var metaRaw string
		err := tx.QueryRowContext(ctx, "SELECT metadata FROM execution_results WHERE id = ?;", id).Scan(&metaRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read result metadata: %w", err)
		}
		merged := map[string]any{}
		if strings.TrimSpace(metaRaw) != "" {
			if err := json.Unmarshal([]byte(metaRaw), &merged); err != nil {
				return fmt.Errorf("failed to decode result metadata: %w", err)
			}
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		mergedRaw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal merged metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(mergedRaw))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := tx.ExecContext(ctx, "UPDATE execution_results SET "+strings.Join(sets, ", ")+" WHERE id = ?;", args...)
	if err != nil {
		return fmt.Errorf("failed to update result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check result update: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result update: %w", err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (store.ExecutionResult, error) {
	if strings.TrimSpace(id) == "" {
		return store.ExecutionResult{}, fmt.Errorf("result id is required")
	}

	const q = `
SELECT id, agent_id, checkpoint_id, quest_id, result, status, metadata, created_at, completed_at
FROM execution_results
WHERE id = ?;
`
	row := s.db.QueryRowContext(ctx, q, id)
	result, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ExecutionResult{}, store.ErrNotFound
		}
		return store.ExecutionResult{}, err
	}
	return result, nil
}

func (s *Store) ListAgentResults(ctx context.Context, agentID string, query store.ListQuery) ([]store.ExecutionResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	limit, offset := normalizeQuery(query)

	const q = `
SELECT id, agent_id, checkpoint_id, quest_id, result, status, metadata, created_at, completed_at
FROM execution_results
WHERE agent_id = ?
ORDER BY created_at DESC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	out := make([]store.ExecutionResult, 0, limit)
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate results: %w", err)
	}
	return out, nil
}

func (s *Store) SaveLog(ctx context.Context, entry store.LogEntry) error {
	if entry.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	const q = `
INSERT INTO execution_logs (log_id, agent_id, execution_id, level, message, source, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		entry.ID,
		entry.AgentID,
		entry.ExecutionID,
		string(entry.Level),
		entry.Message,
		entry.Source,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save log entry: %w", err)
	}
	return nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, executionID string, query store.ListQuery) ([]store.LogEntry, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("execution_id is required")
	}
	limit, offset := normalizeQuery(query)

	const q = `
SELECT log_id, agent_id, execution_id, level, message, source, timestamp
FROM execution_logs
WHERE execution_id = ?
ORDER BY timestamp ASC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, executionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	out := make([]store.LogEntry, 0, limit)
	for rows.Next() {
		var (
			entry store.LogEntry
			level string
			tsRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.ExecutionID, &level, &entry.Message, &entry.Source, &tsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Level = store.LogLevel(level)
		entry.Timestamp, err = parseRequiredTime(tsRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate logs: %w", err)
	}
	return out, nil
}

func (s *Store) SaveTrace(ctx context.Context, event store.TraceEvent) error {
	if event.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	metaRaw, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal trace metadata: %w", err)
	}

	const q = `
INSERT INTO trace_events (event_id, agent_id, execution_id, type, content, metadata, duration_ms, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		event.AgentID,
		event.ExecutionID,
		string(event.Type),
		event.Content,
		string(metaRaw),
		event.DurationMs,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save trace event: %w", err)
	}
	return nil
}

func (s *Store) ListExecutionTraces(ctx context.Context, executionID string, query store.ListQuery) ([]store.TraceEvent, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("execution_id is required")
	}
	limit, offset := normalizeQuery(query)

	const q = `
SELECT event_id, agent_id, execution_id, type, content, metadata, duration_ms, timestamp
FROM trace_events
WHERE execution_id = ?
ORDER BY timestamp ASC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, executionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace events: %w", err)
	}
	defer rows.Close()

	out := make([]store.TraceEvent, 0, limit)
	for rows.Next() {
		var (
			event    store.TraceEvent
			typeRaw  string
			metaRaw  string
			tsRaw    string
		)
		if err := rows.Scan(&event.ID, &event.AgentID, &event.ExecutionID, &typeRaw, &event.Content, &metaRaw, &event.DurationMs, &tsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		event.Type = store.TraceType(typeRaw)
		if metaRaw != "" {
			_ = json.Unmarshal([]byte(metaRaw), &event.Metadata)
		}
		event.Timestamp, err = parseRequiredTime(tsRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trace timestamp: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace events: %w", err)
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint store.CheckpointState) error {
	if checkpoint.CheckpointID == "" {
		return fmt.Errorf("checkpoint_id is required")
	}
	if checkpoint.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = time.Now().UTC()
	}
	state := checkpoint.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO checkpoint_states (checkpoint_id, agent_id, thread_id, state, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(checkpoint_id) DO UPDATE SET
  agent_id=excluded.agent_id,
  thread_id=excluded.thread_id,
  state=excluded.state,
  updated_at=excluded.updated_at;
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		checkpoint.CheckpointID,
		checkpoint.AgentID,
		checkpoint.ThreadID,
		string(state),
		checkpoint.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (store.CheckpointState, error) {
	if strings.TrimSpace(checkpointID) == "" {
		return store.CheckpointState{}, fmt.Errorf("checkpoint_id is required")
	}

	const q = `
SELECT checkpoint_id, agent_id, thread_id, state, updated_at
FROM checkpoint_states
WHERE checkpoint_id = ?;
`
	var (
		checkpoint store.CheckpointState
		stateRaw   string
		tsRaw      string
	)
	err := s.db.QueryRowContext(ctx, q, checkpointID).Scan(
		&checkpoint.CheckpointID,
		&checkpoint.AgentID,
		&checkpoint.ThreadID,
		&stateRaw,
		&tsRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.CheckpointState{}, store.ErrNotFound
		}
		return store.CheckpointState{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	checkpoint.State = json.RawMessage(stateRaw)
	checkpoint.UpdatedAt, err = parseRequiredTime(tsRaw)
	if err != nil {
		return store.CheckpointState{}, fmt.Errorf("failed to parse checkpoint updated_at: %w", err)
	}
	return checkpoint, nil
}

func (s *Store) CleanupResults(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.cleanup(ctx, "DELETE FROM execution_results WHERE created_at < ?;", olderThan)
}

func (s *Store) CleanupLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.cleanup(ctx, "DELETE FROM execution_logs WHERE timestamp < ?;", olderThan)
}

func (s *Store) CleanupTraces(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.cleanup(ctx, "DELETE FROM trace_events WHERE timestamp < ?;", olderThan)
}

func (s *Store) cleanup(ctx context.Context, q string, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to run retention cleanup: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retention cleanup: %w", err)
	}
	return deleted, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanResult(scanner interface{ Scan(dest ...any) error }) (store.ExecutionResult, error) {
	var (
		result       store.ExecutionResult
		status       string
		metaRaw      string
		createdRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&result.ID,
		&result.AgentID,
		&result.CheckpointID,
		&result.QuestID,
		&result.Result,
		&status,
		&metaRaw,
		&createdRaw,
		&completedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ExecutionResult{}, err
		}
		return store.ExecutionResult{}, fmt.Errorf("failed to scan result row: %w", err)
	}
	result.Status = store.Status(status)
	if strings.TrimSpace(metaRaw) == "" {
		result.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metaRaw), &result.Metadata); err != nil {
		return store.ExecutionResult{}, fmt.Errorf("failed to decode result metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return store.ExecutionResult{}, fmt.Errorf("failed to parse result created_at: %w", err)
	}
	result.CreatedAt = created
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return store.ExecutionResult{}, fmt.Errorf("failed to parse result completed_at: %w", err)
		}
		result.CompletedAt = &completed
	}
	return result, nil
}

func normalizeQuery(query store.ListQuery) (int, int) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ store.Store = (*Store)(nil)
