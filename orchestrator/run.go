package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/questforge/orchestrator/checkpoint"
	"github.com/questforge/orchestrator/retry"
	"github.com/questforge/orchestrator/runtime"
	"github.com/questforge/orchestrator/store"
	"github.com/questforge/orchestrator/stream"
)

// Outcome summarizes a finished run. The streamed complete or error event
// carries the same information to the client.
type Outcome struct {
	ResultID    string
	ExecutionID string
	Status      store.Status
	Output      string
	Steps       int
	ErrorKind   runtime.ErrorKind
}

// runState is shared between the runtime callbacks and the run loop. The
// engine may fire callbacks on its own goroutines, so every access is
// mutex-guarded.
type runState struct {
	mu         sync.Mutex
	iterations int
	warned     bool
	stepStarts map[int]time.Time
}

// Execute is Prepare followed by Run.
func (o *Orchestrator) Execute(ctx context.Context, opts Options, emitter stream.Emitter) (Outcome, error) {
	exec, err := o.Prepare(ctx, opts)
	if err != nil {
		return Outcome{}, err
	}
	return o.Run(ctx, exec, emitter)
}

// Run performs the prepared execution, streaming progress to emitter. The
// emitter is closed exactly once before Run returns, whatever the outcome.
// A failed run returns the classified error alongside an Outcome with status
// failed; the failure has already been streamed and persisted.
func (o *Orchestrator) Run(ctx context.Context, exec *Execution, emitter stream.Emitter) (Outcome, error) {
	bus := stream.NewBus(emitter, 0)
	defer bus.Close()

	opts := exec.Options
	snapshot := exec.snapshot
	outcome := Outcome{
		ResultID:    exec.ResultID,
		ExecutionID: exec.ExecutionID,
		Status:      store.StatusFailed,
	}

	metadata := map[string]any{"executionId": exec.ExecutionID}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if opts.Resume {
		metadata["resumedFromStep"] = snapshot.Step
	}

	// The running record is load-bearing: without it nothing downstream can
	// find the run, so a write failure aborts before the engine starts.
	err := o.store.SaveResult(ctx, store.ExecutionResult{
		ID:           exec.ResultID,
		AgentID:      opts.AgentID,
		CheckpointID: opts.CheckpointID,
		QuestID:      opts.QuestID,
		Status:       store.StatusRunning,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		err = fmt.Errorf("failed to create execution record: %w", err)
		o.log.Error("run aborted before start", "resultId", exec.ResultID, "error", err)
		_ = bus.Emit(stream.Event{Name: stream.EventError, Payload: stream.ErrorPayload{
			Error:    err.Error(),
			Type:     string(runtime.KindPermanent),
			ResultID: exec.ResultID,
		}})
		outcome.ErrorKind = runtime.KindPermanent
		return outcome, err
	}

	_ = bus.Emit(stream.Event{Name: stream.EventStart, Payload: stream.StartPayload{
		AgentID:      opts.AgentID,
		CheckpointID: opts.CheckpointID,
		Task:         exec.Message,
		ExecutionID:  exec.ExecutionID,
		ResultID:     exec.ResultID,
	}})
	o.saveLog(ctx, exec, store.LevelInfo, fmt.Sprintf("execution started (agent=%s, budget=%d)", opts.AgentID, exec.StepBudget))

	state := &runState{stepStarts: map[int]time.Time{}}
	callbacks := o.buildCallbacks(ctx, exec, snapshot, state, bus)

	var result runtime.Outcome
	invokeErr := retry.Do(ctx, retry.Options{
		MaxRetries:  o.retryOpts.MaxRetries,
		BaseDelay:   o.retryOpts.BaseDelay,
		MaxDelay:    o.retryOpts.MaxDelay,
		IsTransient: o.isTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.log.Warn("retrying invocation",
				"resultId", exec.ResultID,
				"attempt", attempt,
				"delay", delay,
				"error", err)
			o.saveLog(ctx, exec, store.LevelWarn, fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, delay, err))
			_ = bus.Emit(stream.Event{Name: stream.EventRetry, Payload: stream.RetryPayload{
				Attempt:     attempt,
				Error:       err.Error(),
				NextDelayMs: delay.Milliseconds(),
				IsTransient: true,
			}})
		},
	}, func(ctx context.Context) error {
		var err error
		result, err = o.runtime.Invoke(ctx, runtime.Invocation{
			Message:    exec.Message,
			StepBudget: exec.StepBudget,
			Callbacks:  callbacks,
		})
		return err
	})

	state.mu.Lock()
	iterations := state.iterations
	state.mu.Unlock()
	outcome.Steps = iterations

	if invokeErr != nil {
		return o.failRun(ctx, exec, bus, outcome, iterations, invokeErr)
	}

	if result.AgentState != nil {
		snapshot.AgentState = result.AgentState
	}
	snapshot.AddPartialResult(result.FinalMessage)
	if opts.CheckpointID != "" {
		if err := o.checkpoints.Persist(ctx, opts.AgentID, opts.CheckpointID, opts.ThreadID, snapshot); err != nil {
			o.log.Warn("final checkpoint persist failed", "resultId", exec.ResultID, "error", err)
		}
	}

	// Terminal writes must survive client disconnects.
	persistCtx := context.WithoutCancel(ctx)
	completed := time.Now().UTC()
	completedStatus := store.StatusCompleted
	finalMessage := result.FinalMessage
	err = o.store.UpdateResult(persistCtx, exec.ResultID, store.ResultPatch{
		Status:      &completedStatus,
		Result:      &finalMessage,
		CompletedAt: &completed,
		Metadata: map[string]any{
			"tokens":     result.Tokens,
			"iterations": iterations,
		},
	})
	if err != nil {
		return o.failRun(ctx, exec, bus, outcome, iterations, fmt.Errorf("failed to record completion: %w", err))
	}

	o.saveLog(persistCtx, exec, store.LevelSuccess, "execution completed")
	_ = bus.Emit(stream.Event{Name: stream.EventComplete, Payload: stream.CompletePayload{
		Output:          result.FinalMessage,
		Tokens:          result.Tokens,
		Todos:           result.Todos,
		ResultID:        exec.ResultID,
		TotalIterations: iterations,
	}})

	outcome.Status = store.StatusCompleted
	outcome.Output = result.FinalMessage
	return outcome, nil
}

func (o *Orchestrator) buildCallbacks(ctx context.Context, exec *Execution, snapshot *checkpoint.Snapshot, state *runState, bus *stream.Bus) runtime.Callbacks {
	opts := exec.Options
	warnAt := (exec.StepBudget * 4) / 5

	return runtime.Callbacks{
		OnToken: func(token string) {
			_ = bus.Emit(stream.Event{Name: stream.EventToken, Payload: stream.TokenPayload{Token: token}})
		},

		OnThinking: func(message string) {
			_ = bus.Emit(stream.Event{Name: stream.EventThinking, Payload: stream.ThinkingPayload{Message: message}})
		},

		OnStepStart: func(step runtime.StepStart) {
			state.mu.Lock()
			if step.Iteration > state.iterations {
				state.iterations = step.Iteration
			}
			state.stepStarts[step.Iteration] = time.Now()
			warn := !state.warned && warnAt > 0 && state.iterations >= warnAt
			if warn {
				state.warned = true
			}
			iterations := state.iterations
			state.mu.Unlock()

			if warn {
				msg := fmt.Sprintf("approaching step budget: %d of %d iterations used", iterations, exec.StepBudget)
				o.saveLog(ctx, exec, store.LevelWarn, msg)
				_ = bus.Emit(stream.Event{Name: stream.EventWarning, Payload: stream.WarningPayload{
					Message:        msg,
					IterationCount: iterations,
					MaxRecursion:   exec.StepBudget,
				}})
			}

			o.saveTrace(ctx, exec, store.TraceEvent{
				Type:    store.TraceToolStart,
				Content: checkpoint.Truncate(step.Input, store.MaxTraceContent),
				Metadata: map[string]any{
					"tool":      step.Tool,
					"iteration": step.Iteration,
				},
			})
			_ = bus.Emit(stream.Event{Name: stream.EventToolStart, Payload: stream.ToolStartPayload{
				Tool:      step.Tool,
				Input:     step.Input,
				Iteration: step.Iteration,
			}})
		},

		OnStepEnd: func(step runtime.StepEnd) {
			state.mu.Lock()
			started, ok := state.stepStarts[step.Iteration]
			delete(state.stepStarts, step.Iteration)
			state.mu.Unlock()
			var duration time.Duration
			if ok {
				duration = time.Since(started)
			}

			snapshot.RecordStep(step.Tool, step.Input, step.Output, duration)
			if opts.CheckpointID != "" {
				// Mid-run persistence is best effort: a failed save costs
				// resume granularity, not the run.
				_ = o.checkpoints.Persist(ctx, opts.AgentID, opts.CheckpointID, opts.ThreadID, snapshot)
			}

			o.saveTrace(ctx, exec, store.TraceEvent{
				Type:       store.TraceToolEnd,
				Content:    checkpoint.Truncate(step.Output, store.MaxTraceContent),
				DurationMs: duration.Milliseconds(),
				Metadata: map[string]any{
					"tool":      step.Tool,
					"iteration": step.Iteration,
				},
			})
			_ = bus.Emit(stream.Event{Name: stream.EventToolEnd, Payload: stream.ToolEndPayload{
				Output: step.Output,
			}})
		},

		OnStepError: func(step runtime.StepError) {
			msg := fmt.Sprintf("tool %s failed: %v", step.Tool, step.Err)
			o.saveLog(ctx, exec, store.LevelError, msg)
			o.saveTrace(ctx, exec, store.TraceEvent{
				Type:    store.TraceToolError,
				Content: checkpoint.Truncate(msg, store.MaxTraceContent),
				Metadata: map[string]any{
					"tool":      step.Tool,
					"iteration": step.Iteration,
				},
			})
			_ = bus.Emit(stream.Event{Name: stream.EventToolError, Payload: stream.ToolErrorPayload{
				Error: msg,
			}})
		},
	}
}

func (o *Orchestrator) failRun(ctx context.Context, exec *Execution, bus *stream.Bus, outcome Outcome, iterations int, cause error) (Outcome, error) {
	kind := runtime.Classify(cause, o.isTransient)
	outcome.ErrorKind = kind

	o.log.Error("execution failed",
		"resultId", exec.ResultID,
		"agentId", exec.Options.AgentID,
		"errorType", string(kind),
		"iterations", iterations,
		"error", cause)

	persistCtx := context.WithoutCancel(ctx)
	completed := time.Now().UTC()
	failedStatus := store.StatusFailed
	message := cause.Error()
	err := o.store.UpdateResult(persistCtx, exec.ResultID, store.ResultPatch{
		Status:      &failedStatus,
		Result:      &message,
		CompletedAt: &completed,
		Metadata: map[string]any{
			"errorType":      string(kind),
			"stepsCompleted": iterations,
		},
	})
	if err != nil {
		o.log.Error("failed to record failure", "resultId", exec.ResultID, "error", err)
	}
	o.saveLog(persistCtx, exec, store.LevelError, fmt.Sprintf("execution failed (%s): %v", kind, cause))

	_ = bus.Emit(stream.Event{Name: stream.EventError, Payload: stream.ErrorPayload{
		Error:         message,
		Type:          string(kind),
		ResultID:      exec.ResultID,
		IsRecoverable: kind != runtime.KindPermanent,
		Suggestions:   suggestionsFor(kind, exec.Options.CheckpointID),
	}})
	return outcome, cause
}

func suggestionsFor(kind runtime.ErrorKind, checkpointID string) []string {
	switch kind {
	case runtime.KindRecursionLimit:
		suggestions := []string{"break the task into smaller pieces", "raise the step budget for this agent"}
		if checkpointID != "" {
			suggestions = append([]string{"resume from checkpoint " + checkpointID + " to continue where the run stopped"}, suggestions...)
		}
		return suggestions
	case runtime.KindTimeout:
		suggestions := []string{"retry with a longer timeout", "split the task into shorter segments"}
		if checkpointID != "" {
			suggestions = append([]string{"resume from checkpoint " + checkpointID}, suggestions...)
		}
		return suggestions
	case runtime.KindTransient:
		return []string{"retry the request; the failure looks temporary"}
	default:
		return []string{"review the task and agent configuration before retrying"}
	}
}

// saveLog and saveTrace are fire and forget: diagnostics never fail a run.

func (o *Orchestrator) saveLog(ctx context.Context, exec *Execution, level store.LogLevel, message string) {
	err := o.store.SaveLog(ctx, store.LogEntry{
		AgentID:     exec.Options.AgentID,
		ExecutionID: exec.ExecutionID,
		Level:       level,
		Message:     message,
		Source:      "orchestrator",
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn("log write failed", "executionId", exec.ExecutionID, "error", err)
	}
}

func (o *Orchestrator) saveTrace(ctx context.Context, exec *Execution, event store.TraceEvent) {
	event.AgentID = exec.Options.AgentID
	event.ExecutionID = exec.ExecutionID
	event.Normalize()
	if err := o.store.SaveTrace(ctx, event); err != nil {
		o.log.Warn("trace write failed", "executionId", exec.ExecutionID, "error", err)
	}
	o.observer.ObserveTrace(ctx, event)
}
