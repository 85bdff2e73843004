// Package orchestrator drives one agent task run end to end: it creates the
// durable execution record, invokes the runtime engine with bounded retries,
// persists checkpoints and traces after each sub-step, and streams progress
// events to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/questforge/orchestrator/checkpoint"
	"github.com/questforge/orchestrator/observe"
	"github.com/questforge/orchestrator/retry"
	"github.com/questforge/orchestrator/runtime"
	"github.com/questforge/orchestrator/store"
)

const defaultStepBudget = 100

type Orchestrator struct {
	store       store.Store
	runtime     runtime.Runtime
	checkpoints *checkpoint.Manager
	retryOpts   retry.Options
	isTransient func(error) bool
	observer    observe.Observer
	log         *slog.Logger
	stepBudget  int
}

type Option func(*Orchestrator)

func WithRetry(opts retry.Options) Option {
	return func(o *Orchestrator) { o.retryOpts = opts }
}

func WithTransientClassifier(fn func(error) bool) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.isTransient = fn
		}
	}
}

func WithObserver(observer observe.Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithStepBudget(budget int) Option {
	return func(o *Orchestrator) {
		if budget > 0 {
			o.stepBudget = budget
		}
	}
}

func New(st store.Store, rt runtime.Runtime, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		runtime: rt,
		retryOpts: retry.Options{
			MaxRetries: retry.DefaultMaxRetries,
			BaseDelay:  retry.DefaultBaseDelay,
			MaxDelay:   retry.DefaultMaxDelay,
		},
		isTransient: runtime.IsTransient,
		observer:    observe.Noop{},
		log:         slog.Default(),
		stepBudget:  defaultStepBudget,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.checkpoints = checkpoint.NewManager(st, o.log)
	return o
}

// Options describes one run request.
type Options struct {
	AgentID      string
	Task         string
	CheckpointID string
	QuestID      string
	ThreadID     string

	// Resume loads the checkpoint named by CheckpointID and continues from it
	// instead of starting fresh.
	Resume bool

	// AdditionalInstructions is appended to the composed task on resume.
	AdditionalInstructions string

	// StepBudget overrides the orchestrator default for this run.
	StepBudget int

	Metadata map[string]any
}

// Execution is a validated, ready-to-run request. Prepare resolves resume
// state before any byte is streamed, so callers can still fail a request with
// a plain HTTP error.
type Execution struct {
	Options Options

	ResultID    string
	ExecutionID string
	Message     string
	StepBudget  int

	snapshot *checkpoint.Snapshot
}

// Prepare validates a run request, resolves the resume checkpoint if any, and
// composes the message the runtime will receive. It performs no streaming and
// writes nothing.
func (o *Orchestrator) Prepare(ctx context.Context, opts Options) (*Execution, error) {
	if strings.TrimSpace(opts.AgentID) == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	if opts.Resume {
		if strings.TrimSpace(opts.CheckpointID) == "" {
			return nil, fmt.Errorf("checkpointId is required to resume")
		}
	} else if strings.TrimSpace(opts.Task) == "" {
		return nil, fmt.Errorf("task is required")
	}

	budget := opts.StepBudget
	if budget <= 0 {
		budget = o.stepBudget
	}

	exec := &Execution{
		Options:     opts,
		ResultID:    uuid.NewString(),
		ExecutionID: uuid.NewString(),
		StepBudget:  budget,
	}

	if opts.Resume {
		snapshot, err := o.checkpoints.LoadForResume(ctx, opts.AgentID, opts.CheckpointID)
		if err != nil {
			return nil, err
		}
		exec.snapshot = snapshot
		exec.Message = snapshot.ComposeResumeTask(opts.AdditionalInstructions)
	} else {
		exec.snapshot = checkpoint.NewSnapshot(opts.Task)
		exec.Message = opts.Task
	}
	return exec, nil
}
