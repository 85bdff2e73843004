package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/questforge/orchestrator/store"
)

// Manager persists snapshots through a Store and loads them back for resume.
type Manager struct {
	store store.Store
	log   *slog.Logger
}

func NewManager(st store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, log: log}
}

// Persist writes the snapshot under checkpointID. A run without a
// checkpointID is not resumable and Persist is a no-op for it. The caller
// decides whether a persistence failure is fatal.
func (m *Manager) Persist(ctx context.Context, agentID, checkpointID, threadID string, snapshot *Snapshot) error {
	if checkpointID == "" {
		return nil
	}
	raw, err := snapshot.marshal()
	if err != nil {
		return err
	}
	err = m.store.SaveCheckpoint(ctx, store.CheckpointState{
		AgentID:      agentID,
		CheckpointID: checkpointID,
		ThreadID:     threadID,
		State:        raw,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		m.log.Warn("checkpoint save failed",
			"checkpointId", checkpointID,
			"agentId", agentID,
			"step", snapshot.Step,
			"error", err)
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// LoadForResume fetches the snapshot for checkpointID and verifies that
// agentID wrote it. Returns store.ErrNotFound when no checkpoint exists and
// ErrOwnershipMismatch when another agent owns it.
func (m *Manager) LoadForResume(ctx context.Context, agentID, checkpointID string) (*Snapshot, error) {
	state, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if state.AgentID != agentID {
		return nil, ErrOwnershipMismatch
	}
	snapshot, err := unmarshalSnapshot(state.State)
	if err != nil {
		return nil, err
	}
	m.log.Info("checkpoint loaded for resume",
		"checkpointId", checkpointID,
		"agentId", agentID,
		"step", snapshot.Step,
		"partialResults", len(snapshot.PartialResults))
	return snapshot, nil
}
