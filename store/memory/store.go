// Package memory is an in-process Store used by tests and the zero-config
// demo mode. Not durable across restarts.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/questforge/orchestrator/store"
)

type Store struct {
	mu          sync.RWMutex
	results     map[string]store.ExecutionResult
	logs        map[string][]store.LogEntry
	traces      map[string][]store.TraceEvent
	checkpoints map[string]store.CheckpointState
}

func New() *Store {
	return &Store{
		results:     map[string]store.ExecutionResult{},
		logs:        map[string][]store.LogEntry{},
		traces:      map[string][]store.TraceEvent{},
		checkpoints: map[string]store.CheckpointState{},
	}
}

func (s *Store) SaveResult(ctx context.Context, result store.ExecutionResult) error {
	_ = ctx
	if result.ID == "" {
		return errRequired("result id")
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ID] = cloneResult(result)
	return nil
}

func (s *Store) UpdateResult(ctx context.Context, id string, patch store.ResultPatch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Status != nil {
		result.Status = *patch.Status
	}
	if patch.Result != nil {
		result.Result = *patch.Result
	}
	if patch.CompletedAt != nil {
		completed := patch.CompletedAt.UTC()
		result.CompletedAt = &completed
	}
	if len(patch.Metadata) > 0 {
		if result.Metadata == nil {
			result.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			result.Metadata[k] = v
		}
	}
	s.results[id] = result
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (store.ExecutionResult, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[id]
	if !ok {
		return store.ExecutionResult{}, store.ErrNotFound
	}
	return cloneResult(result), nil
}

func (s *Store) ListAgentResults(ctx context.Context, agentID string, query store.ListQuery) ([]store.ExecutionResult, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]store.ExecutionResult, 0)
	for _, result := range s.results {
		if result.AgentID == agentID {
			matched = append(matched, cloneResult(result))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, query), nil
}

func (s *Store) SaveLog(ctx context.Context, entry store.LogEntry) error {
	_ = ctx
	if entry.ExecutionID == "" {
		return errRequired("execution_id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, executionID string, query store.ListQuery) ([]store.LogEntry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(append([]store.LogEntry(nil), s.logs[executionID]...), query), nil
}

func (s *Store) SaveTrace(ctx context.Context, event store.TraceEvent) error {
	_ = ctx
	if event.ExecutionID == "" {
		return errRequired("execution_id")
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[event.ExecutionID] = append(s.traces[event.ExecutionID], event)
	return nil
}

func (s *Store) ListExecutionTraces(ctx context.Context, executionID string, query store.ListQuery) ([]store.TraceEvent, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(append([]store.TraceEvent(nil), s.traces[executionID]...), query), nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint store.CheckpointState) error {
	_ = ctx
	if checkpoint.CheckpointID == "" {
		return errRequired("checkpoint_id")
	}
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = time.Now().UTC()
	}
	if len(checkpoint.State) == 0 {
		checkpoint.State = json.RawMessage(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.CheckpointID] = checkpoint
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (store.CheckpointState, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[checkpointID]
	if !ok {
		return store.CheckpointState{}, store.ErrNotFound
	}
	return checkpoint, nil
}

func (s *Store) CleanupResults(ctx context.Context, olderThan time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, result := range s.results {
		if result.CreatedAt.Before(olderThan) {
			delete(s.results, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) CleanupLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, entries := range s.logs {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Timestamp.Before(olderThan) {
				deleted++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(s.logs, id)
			continue
		}
		s.logs[id] = kept
	}
	return deleted, nil
}

func (s *Store) CleanupTraces(ctx context.Context, olderThan time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, events := range s.traces {
		kept := events[:0]
		for _, event := range events {
			if event.Timestamp.Before(olderThan) {
				deleted++
				continue
			}
			kept = append(kept, event)
		}
		if len(kept) == 0 {
			delete(s.traces, id)
			continue
		}
		s.traces[id] = kept
	}
	return deleted, nil
}

func (s *Store) Close() error { return nil }

func cloneResult(in store.ExecutionResult) store.ExecutionResult {
	out := in
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	if in.CompletedAt != nil {
		completed := *in.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

func paginate[T any](items []T, query store.ListQuery) []T {
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if query.Limit > 0 && query.Limit < len(items) {
		items = items[:query.Limit]
	}
	return items
}

func errRequired(field string) error {
	return fmt.Errorf("%s is required", field)
}

var _ store.Store = (*Store)(nil)
