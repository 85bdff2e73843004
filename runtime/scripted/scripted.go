// Package scripted provides a deterministic Runtime that replays a fixed
// script of tokens and tool steps. It backs the demo mode of questd and the
// orchestrator test suite; real deployments plug in an engine adapter instead.
package scripted

import (
	"context"
	"fmt"
	"time"

	"github.com/questforge/orchestrator/runtime"
)

type Step struct {
	Tool   string
	Input  string
	Output string
	// Err makes the step report a tool error instead of an output. The run
	// continues; whether to give up is the engine's call, and the scripted
	// engine never does.
	Err error
}

type Runtime struct {
	Thinking  []string
	Tokens    []string
	Steps     []Step
	FinalText string
	Todos     []runtime.Todo
	// FailWith, when set, is returned after the script has been replayed.
	FailWith error
	// StepDelay spaces out steps so durations are non-zero in demos.
	StepDelay time.Duration
}

func (r *Runtime) Name() string { return "scripted" }

func (r *Runtime) Invoke(ctx context.Context, inv runtime.Invocation) (runtime.Outcome, error) {
	cb := inv.Callbacks
	for _, message := range r.Thinking {
		if cb.OnThinking != nil {
			cb.OnThinking(message)
		}
	}
	tokens := 0
	for _, token := range r.Tokens {
		if err := ctx.Err(); err != nil {
			return runtime.Outcome{}, err
		}
		tokens++
		if cb.OnToken != nil {
			cb.OnToken(token)
		}
	}

	steps := 0
	for i, step := range r.Steps {
		if err := ctx.Err(); err != nil {
			return runtime.Outcome{}, err
		}
		iteration := i + 1
		if inv.StepBudget > 0 && iteration > inv.StepBudget {
			return runtime.Outcome{Steps: steps, Tokens: tokens}, runtime.NewError(
				runtime.KindRecursionLimit,
				fmt.Errorf("recursion limit of %d reached", inv.StepBudget),
			)
		}
		if cb.OnStepStart != nil {
			cb.OnStepStart(runtime.StepStart{Tool: step.Tool, Input: step.Input, Iteration: iteration})
		}
		if r.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return runtime.Outcome{}, ctx.Err()
			case <-time.After(r.StepDelay):
			}
		}
		if step.Err != nil {
			if cb.OnStepError != nil {
				cb.OnStepError(runtime.StepError{Tool: step.Tool, Err: step.Err, Iteration: iteration})
			}
			continue
		}
		steps++
		if cb.OnStepEnd != nil {
			cb.OnStepEnd(runtime.StepEnd{Tool: step.Tool, Input: step.Input, Output: step.Output, Iteration: iteration})
		}
	}

	if r.FailWith != nil {
		return runtime.Outcome{Steps: steps, Tokens: tokens}, r.FailWith
	}
	return runtime.Outcome{
		FinalMessage: r.FinalText,
		Todos:        append([]runtime.Todo(nil), r.Todos...),
		Steps:        steps,
		Tokens:       tokens,
	}, nil
}
