// Package store defines the durable records produced by task executions and
// the Store interface implemented by the sqlite, redis, and memory backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarn    LogLevel = "warn"
	LevelError   LogLevel = "error"
	LevelDebug   LogLevel = "debug"
	LevelSuccess LogLevel = "success"
)

type TraceType string

const (
	TraceToolStart TraceType = "tool_start"
	TraceToolEnd   TraceType = "tool_end"
	TraceToolError TraceType = "tool_error"
)

// MaxTraceContent caps the content column of a trace event to bound storage.
const MaxTraceContent = 1000

// ExecutionResult identifies one task run. It is created with status running,
// mutated in place while the run progresses, and becomes immutable once the
// status leaves running.
type ExecutionResult struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agentId"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	QuestID      string         `json:"questId,omitempty"`
	Result       string         `json:"result"`
	Status       Status         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// ResultPatch updates individual fields of an ExecutionResult without
// replacing the record. Metadata keys are merged into the stored map.
type ResultPatch struct {
	Status      *Status
	Result      *string
	Metadata    map[string]any
	CompletedAt *time.Time
}

// LogEntry is one human-readable diagnostic line. Append-only.
type LogEntry struct {
	ID          string    `json:"id,omitempty"`
	AgentID     string    `json:"agentId"`
	ExecutionID string    `json:"executionId"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	Source      string    `json:"source,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TraceEvent is one structured sub-step record. Append-only.
type TraceEvent struct {
	ID          string         `json:"id,omitempty"`
	AgentID     string         `json:"agentId"`
	ExecutionID string         `json:"executionId"`
	Type        TraceType      `json:"type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Normalize fills defaults and enforces the content bound.
func (e *TraceEvent) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if len(e.Content) > MaxTraceContent {
		e.Content = e.Content[:MaxTraceContent]
	}
}

// CheckpointState is the resumable snapshot for one checkpointId. Saves are
// upserts: the same checkpointId is written many times within one run and
// only the latest state remains readable.
type CheckpointState struct {
	AgentID      string          `json:"agentId"`
	CheckpointID string          `json:"checkpointId"`
	ThreadID     string          `json:"threadId,omitempty"`
	State        json.RawMessage `json:"state"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type ListQuery struct {
	Limit  int
	Offset int
}

type Store interface {
	SaveResult(ctx context.Context, result ExecutionResult) error
	UpdateResult(ctx context.Context, id string, patch ResultPatch) error
	GetResult(ctx context.Context, id string) (ExecutionResult, error)
	ListAgentResults(ctx context.Context, agentID string, query ListQuery) ([]ExecutionResult, error)

	SaveLog(ctx context.Context, entry LogEntry) error
	ListExecutionLogs(ctx context.Context, executionID string, query ListQuery) ([]LogEntry, error)

	SaveTrace(ctx context.Context, event TraceEvent) error
	ListExecutionTraces(ctx context.Context, executionID string, query ListQuery) ([]TraceEvent, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointState) error
	GetCheckpoint(ctx context.Context, checkpointID string) (CheckpointState, error)

	CleanupResults(ctx context.Context, olderThan time.Time) (int64, error)
	CleanupLogs(ctx context.Context, olderThan time.Time) (int64, error)
	CleanupTraces(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
