package stream

import "github.com/questforge/orchestrator/runtime"

// Event names in the order they may appear on a run stream. Exactly one of
// EventComplete or EventError terminates every run.
const (
	EventStart     = "start"
	EventThinking  = "thinking"
	EventToken     = "token"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventToolError = "tool_error"
	EventWarning   = "warning"
	EventRetry     = "retry"
	EventComplete  = "complete"
	EventError     = "error"
)

type Event struct {
	Name    string
	Payload any
}

type StartPayload struct {
	AgentID      string `json:"agentId"`
	CheckpointID string `json:"checkpointId,omitempty"`
	Task         string `json:"task"`
	ExecutionID  string `json:"executionId"`
	ResultID     string `json:"resultId"`
}

type ThinkingPayload struct {
	Message string `json:"message"`
}

type TokenPayload struct {
	Token string `json:"token"`
}

type ToolStartPayload struct {
	Tool      string `json:"tool"`
	Input     string `json:"input,omitempty"`
	Iteration int    `json:"iteration"`
}

type ToolEndPayload struct {
	Output string `json:"output"`
}

type ToolErrorPayload struct {
	Error string `json:"error"`
}

type WarningPayload struct {
	Message        string `json:"message"`
	IterationCount int    `json:"iterationCount"`
	MaxRecursion   int    `json:"maxRecursion"`
}

type RetryPayload struct {
	Attempt     int    `json:"attempt"`
	Error       string `json:"error"`
	NextDelayMs int64  `json:"nextDelay"`
	IsTransient bool   `json:"isTransient"`
}

type CompletePayload struct {
	Output          string         `json:"output"`
	Tokens          int            `json:"tokens"`
	Todos           []runtime.Todo `json:"todos"`
	ResultID        string         `json:"resultId"`
	TotalIterations int            `json:"totalIterations"`
}

type ErrorPayload struct {
	Error         string   `json:"error"`
	Type          string   `json:"type"`
	ResultID      string   `json:"resultId"`
	IsRecoverable bool     `json:"isRecoverable"`
	Suggestions   []string `json:"suggestions,omitempty"`
}
