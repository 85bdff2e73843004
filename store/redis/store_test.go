package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/questforge/orchestrator/store"
)

// newTestStore connects to the redis named by TEST_REDIS_ADDR and skips the
// test when none is available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	s, err := New(addr,
		WithPrefix("questforge-test-"+uuid.NewString()[:8]),
		WithTTL(time.Minute),
	)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveResult(ctx, store.ExecutionResult{
		ID:      "r1",
		AgentID: "agent-1",
		Status:  store.StatusRunning,
	})
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	status := store.StatusCompleted
	output := "done"
	if err := s.UpdateResult(ctx, "r1", store.ResultPatch{Status: &status, Result: &output}); err != nil {
		t.Fatalf("UpdateResult: %v", err)
	}

	got, err := s.GetResult(ctx, "r1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != store.StatusCompleted || got.Result != "done" {
		t.Fatalf("unexpected result: %+v", got)
	}

	results, err := s.ListAgentResults(ctx, "agent-1", store.ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("ListAgentResults: %v", err)
	}
	if len(results) != 1 || results[0].ID != "r1" {
		t.Fatalf("unexpected listing: %+v", results)
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetResult(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetResult = %v, want ErrNotFound", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveCheckpoint(ctx, store.CheckpointState{
		AgentID:      "agent-1",
		CheckpointID: "cp-1",
		State:        []byte(`{"step":2}`),
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := s.GetCheckpoint(ctx, "cp-1")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.AgentID != "agent-1" || string(got.State) != `{"step":2}` {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	if _, err := s.GetCheckpoint(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetCheckpoint missing = %v, want ErrNotFound", err)
	}
}

func TestLogsAndTraces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveLog(ctx, store.LogEntry{ExecutionID: "e1", Level: store.LevelInfo, Message: "one"})
	_ = s.SaveLog(ctx, store.LogEntry{ExecutionID: "e1", Level: store.LevelInfo, Message: "two"})
	logs, err := s.ListExecutionLogs(ctx, "e1", store.ListQuery{})
	if err != nil {
		t.Fatalf("ListExecutionLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "one" {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	_ = s.SaveTrace(ctx, store.TraceEvent{ExecutionID: "e1", Type: store.TraceToolStart})
	traces, err := s.ListExecutionTraces(ctx, "e1", store.ListQuery{})
	if err != nil {
		t.Fatalf("ListExecutionTraces: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("unexpected traces: %+v", traces)
	}
}
