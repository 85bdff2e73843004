// Package runtime defines the contract between the execution orchestrator and
// the agent-runtime engine that actually drives tool-calling steps. The engine
// is a collaborator: it accepts a message, a step budget, and callback hooks,
// and returns a final answer or an error classifiable via ErrorKind.
package runtime

import "context"

type Todo struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// StepStart describes one tool invocation beginning. Iteration is 1-based
// within the invocation.
type StepStart struct {
	Tool      string
	Input     string
	Iteration int
}

type StepEnd struct {
	Tool      string
	Input     string
	Output    string
	Iteration int
}

// StepError reports a tool failure. It does not by itself abort the run; the
// engine decides whether to retry the step internally.
type StepError struct {
	Tool      string
	Err       error
	Iteration int
}

// Callbacks are invoked by the engine as the run progresses. They may fire on
// arbitrary internal timing relative to token streaming; consumers must not
// assume ordering between a token and the next step event.
type Callbacks struct {
	OnToken     func(token string)
	OnThinking  func(message string)
	OnStepStart func(step StepStart)
	OnStepEnd   func(step StepEnd)
	OnStepError func(step StepError)
}

type Invocation struct {
	Message    string
	StepBudget int
	Callbacks  Callbacks
}

type Outcome struct {
	FinalMessage string
	Todos        []Todo
	Steps        int
	Tokens       int

	// AgentState carries engine-internal state to fold into the next
	// checkpoint snapshot, when the engine returns one.
	AgentState map[string]any
}

type Runtime interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) (Outcome, error)
}
