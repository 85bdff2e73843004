package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/questforge/orchestrator/orchestrator"
	"github.com/questforge/orchestrator/retry"
	"github.com/questforge/orchestrator/runtime/scripted"
	"github.com/questforge/orchestrator/store"
	"github.com/questforge/orchestrator/store/memory"
)

func newTestServer(t *testing.T, rt *scripted.Runtime) (*Server, store.Store) {
	t.Helper()
	st := memory.New()
	feed := NewFeed()
	orch := orchestrator.New(st, rt,
		orchestrator.WithObserver(feed),
		orchestrator.WithRetry(retry.Options{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
		}),
	)
	return New(Config{
		Store:        st,
		Orchestrator: orch,
		Feed:         feed,
	}), st
}

func postExecution(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestExecutionEndpointStreamsRun(t *testing.T) {
	srv, st := newTestServer(t, &scripted.Runtime{
		Tokens:    []string{"hi"},
		Steps:     []scripted.Step{{Tool: "search", Input: "q", Output: "found"}},
		FinalText: "done",
	})

	rec := postExecution(t, srv, `{"agentId":"agent-1","task":"do it","checkpointId":"cp-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{"event: start\n", "event: token\n", "event: tool_start\n", "event: tool_end\n", "event: complete\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}

	// The streamed run left a completed record behind.
	resultID := extractField(t, body, "event: complete", "resultId")
	result, err := st.GetResult(context.Background(), resultID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Status != store.StatusCompleted {
		t.Fatalf("Status = %s, want completed", result.Status)
	}
}

func TestExecutionEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scripted.Runtime{FinalText: "ok"})

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing task", `{"agentId":"a"}`, http.StatusBadRequest},
		{"missing agent", `{"task":"t"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"resume unknown checkpoint", `{"agentId":"a","resume":true,"checkpointId":"nope"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postExecution(t, srv, tc.body)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.code, rec.Body.String())
			}
			if got := rec.Header().Get("Content-Type"); got != "application/json" {
				t.Fatalf("errors must stay JSON, got Content-Type %q", got)
			}
		})
	}
}

func TestResumeForeignCheckpointIsForbidden(t *testing.T) {
	srv, _ := newTestServer(t, &scripted.Runtime{FinalText: "ok"})

	rec := postExecution(t, srv, `{"agentId":"agent-1","task":"t","checkpointId":"cp-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("seed run failed: %d", rec.Code)
	}

	rec = postExecution(t, srv, `{"agentId":"agent-2","resume":true,"checkpointId":"cp-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestGetExecutionAndSubresources(t *testing.T) {
	srv, _ := newTestServer(t, &scripted.Runtime{
		Steps:     []scripted.Step{{Tool: "search", Input: "q", Output: "found"}},
		FinalText: "done",
	})

	rec := postExecution(t, srv, `{"agentId":"agent-1","task":"t"}`)
	resultID := extractField(t, rec.Body.String(), "event: complete", "resultId")

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		out := httptest.NewRecorder()
		srv.Handler().ServeHTTP(out, req)
		return out
	}

	out := get("/api/v1/executions/" + resultID)
	if out.Code != http.StatusOK {
		t.Fatalf("get execution: %d", out.Code)
	}
	var result store.ExecutionResult
	if err := json.Unmarshal(out.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ID != resultID || result.Status != store.StatusCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}

	out = get("/api/v1/executions/" + resultID + "/traces")
	var traces []store.TraceEvent
	if err := json.Unmarshal(out.Body.Bytes(), &traces); err != nil {
		t.Fatalf("decode traces: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("traces = %d, want 2", len(traces))
	}

	out = get("/api/v1/executions/" + resultID + "/logs")
	var logs []store.LogEntry
	if err := json.Unmarshal(out.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one log entry")
	}

	out = get("/api/v1/agents/agent-1/executions")
	var results []store.ExecutionResult
	if err := json.Unmarshal(out.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode agent results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("agent results = %d, want 1", len(results))
	}

	out = get("/api/v1/executions/unknown-id")
	if out.Code != http.StatusNotFound {
		t.Fatalf("unknown execution: %d, want 404", out.Code)
	}
}

func TestFeedPublishesToSubscribers(t *testing.T) {
	feed := NewFeed()
	id, ch := feed.subscribe(4)
	defer feed.unsubscribe(id)

	feed.ObserveTrace(context.Background(), store.TraceEvent{
		AgentID:     "a",
		ExecutionID: "e",
		Type:        store.TraceToolStart,
	})

	select {
	case event := <-ch:
		if event.Type != store.TraceToolStart {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestFeedDropsWhenWatcherIsFull(t *testing.T) {
	feed := NewFeed()
	id, ch := feed.subscribe(1)
	defer feed.unsubscribe(id)

	for i := 0; i < 5; i++ {
		feed.publish(store.TraceEvent{ExecutionID: "e", Type: store.TraceToolStart})
	}
	// Only the buffered event survives; publish never blocks.
	if len(ch) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(ch))
	}
}

// extractField pulls a JSON string field out of the data line following the
// named SSE event.
func extractField(t *testing.T, body, eventLine, field string) string {
	t.Helper()
	idx := strings.Index(body, eventLine)
	if idx < 0 {
		t.Fatalf("body missing %q:\n%s", eventLine, body)
	}
	rest := body[idx:]
	dataStart := strings.Index(rest, "data: ")
	if dataStart < 0 {
		t.Fatalf("no data line after %q", eventLine)
	}
	line := rest[dataStart+len("data: "):]
	if end := strings.Index(line, "\n"); end >= 0 {
		line = line[:end]
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("decode %q data: %v", eventLine, err)
	}
	value, _ := payload[field].(string)
	if value == "" {
		t.Fatalf("field %q missing in %s", field, line)
	}
	return value
}
