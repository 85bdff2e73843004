package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/questforge/orchestrator/store"
	"github.com/questforge/orchestrator/store/memory"
)

func TestManagerPersistAndLoad(t *testing.T) {
	st := memory.New()
	manager := NewManager(st, nil)
	ctx := context.Background()

	snapshot := NewSnapshot("long task")
	snapshot.RecordStep("search", "a", "b", time.Second)
	snapshot.AddPartialResult("made progress")

	if err := manager.Persist(ctx, "agent-1", "cp-1", "thread-1", snapshot); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := manager.LoadForResume(ctx, "agent-1", "cp-1")
	if err != nil {
		t.Fatalf("LoadForResume: %v", err)
	}
	if loaded.Step != 1 {
		t.Fatalf("Step = %d, want 1", loaded.Step)
	}
	if len(loaded.PartialResults) != 1 || loaded.PartialResults[0] != "made progress" {
		t.Fatalf("PartialResults = %v", loaded.PartialResults)
	}
}

func TestManagerPersistUpsertsSameCheckpoint(t *testing.T) {
	st := memory.New()
	manager := NewManager(st, nil)
	ctx := context.Background()

	snapshot := NewSnapshot("task")
	for i := 0; i < 3; i++ {
		snapshot.RecordStep("tool", "in", "out", 0)
		if err := manager.Persist(ctx, "agent-1", "cp-1", "", snapshot); err != nil {
			t.Fatalf("Persist %d: %v", i, err)
		}
	}

	loaded, err := manager.LoadForResume(ctx, "agent-1", "cp-1")
	if err != nil {
		t.Fatalf("LoadForResume: %v", err)
	}
	// Only the latest write survives for the id.
	if loaded.Step != 3 {
		t.Fatalf("Step = %d, want 3", loaded.Step)
	}
}

func TestManagerPersistSkipsEmptyCheckpointID(t *testing.T) {
	manager := NewManager(memory.New(), nil)
	if err := manager.Persist(context.Background(), "agent-1", "", "", NewSnapshot("task")); err != nil {
		t.Fatalf("Persist with empty id: %v", err)
	}
}

func TestManagerLoadForResumeOwnershipMismatch(t *testing.T) {
	st := memory.New()
	manager := NewManager(st, nil)
	ctx := context.Background()

	if err := manager.Persist(ctx, "agent-1", "cp-1", "", NewSnapshot("task")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	_, err := manager.LoadForResume(ctx, "agent-2", "cp-1")
	if !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("LoadForResume = %v, want ErrOwnershipMismatch", err)
	}
}

func TestManagerLoadForResumeNotFound(t *testing.T) {
	manager := NewManager(memory.New(), nil)
	_, err := manager.LoadForResume(context.Background(), "agent-1", "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadForResume = %v, want store.ErrNotFound", err)
	}
}
