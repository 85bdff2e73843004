// Package checkpoint builds and persists resumable snapshots of an in-flight
// task run. A snapshot grows with each completed sub-step and is written
// under the run's checkpointId so a later run can pick up where it stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrOwnershipMismatch is returned when a resume names a checkpoint that was
// written by a different agent.
var ErrOwnershipMismatch = errors.New("checkpoint: owned by a different agent")

// maxFieldBytes bounds each recorded input and output so snapshots stay small
// enough to write after every sub-step.
const maxFieldBytes = 1000

// ToolOutput records one completed tool call.
type ToolOutput struct {
	ToolName   string    `json:"toolName"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
}

// Snapshot is the resumable state of a run.
type Snapshot struct {
	Step           int            `json:"step"`
	Task           string         `json:"task"`
	PartialResults []string       `json:"partialResults"`
	ToolOutputs    []ToolOutput   `json:"toolOutputs"`
	AgentState     map[string]any `json:"agentState,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func NewSnapshot(task string) *Snapshot {
	return &Snapshot{
		Task:           task,
		PartialResults: []string{},
		ToolOutputs:    []ToolOutput{},
		Timestamp:      time.Now().UTC(),
	}
}

// RecordStep appends a completed tool call and advances the step counter.
// Inputs and outputs are truncated before they enter the snapshot.
func (s *Snapshot) RecordStep(toolName, input, output string, duration time.Duration) {
	s.ToolOutputs = append(s.ToolOutputs, ToolOutput{
		ToolName:   toolName,
		Input:      Truncate(input, maxFieldBytes),
		Output:     Truncate(output, maxFieldBytes),
		Timestamp:  time.Now().UTC(),
		DurationMs: duration.Milliseconds(),
	})
	s.Step++
	s.Timestamp = time.Now().UTC()
}

// AddPartialResult appends an intermediate result, typically the final
// message of a successful run segment.
func (s *Snapshot) AddPartialResult(result string) {
	if strings.TrimSpace(result) == "" {
		return
	}
	s.PartialResults = append(s.PartialResults, result)
	s.Timestamp = time.Now().UTC()
}

// ComposeResumeTask rebuilds the task message for a resumed run from the
// snapshot plus optional additional instructions. The composition is
// deterministic so resuming twice from the same snapshot yields the same
// message.
func (s *Snapshot) ComposeResumeTask(additional string) string {
	var b strings.Builder
	b.WriteString("Continue the following task from a saved checkpoint.\n\n")
	b.WriteString("Original task:\n")
	b.WriteString(s.Task)

	if len(s.PartialResults) > 0 {
		b.WriteString("\n\nProgress so far:\n")
		b.WriteString(strings.Join(s.PartialResults, "\n"))
	}

	if len(s.ToolOutputs) > 0 {
		b.WriteString("\n\nCompleted tool calls:\n")
		for _, out := range s.ToolOutputs {
			fmt.Fprintf(&b, "- %s(%s) -> %s\n", out.ToolName, Truncate(out.Input, 200), Truncate(out.Output, 200))
		}
	}

	if strings.TrimSpace(additional) != "" {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(additional)
	}
	return b.String()
}

// Truncate bounds s to max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (s *Snapshot) marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return raw, nil
}

func unmarshalSnapshot(raw json.RawMessage) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snapshot.PartialResults == nil {
		snapshot.PartialResults = []string{}
	}
	if snapshot.ToolOutputs == nil {
		snapshot.ToolOutputs = []ToolOutput{}
	}
	return &snapshot, nil
}
