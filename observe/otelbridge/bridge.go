// Package otelbridge converts trace events into OpenTelemetry spans so tool
// calls show up in any OTel-compatible backend (Jaeger, Zipkin, Grafana,
// etc.).
package otelbridge

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/questforge/orchestrator/observe"
	"github.com/questforge/orchestrator/store"
)

const instrumentationName = "github.com/questforge/orchestrator"

// Bridge implements observe.Observer by emitting one span per trace event.
type Bridge struct {
	tracer trace.Tracer
}

// New creates a Bridge using the given TracerProvider. A nil provider uses
// the noop tracer.
func New(tp trace.TracerProvider) *Bridge {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Bridge{tracer: tp.Tracer(instrumentationName)}
}

func (b *Bridge) ObserveTrace(_ context.Context, event store.TraceEvent) {
	event.Normalize()
	startTime := event.Timestamp

	_, span := b.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("agent.trace.type", string(event.Type)),
	}
	if event.AgentID != "" {
		attrs = append(attrs, attribute.String("agent.id", event.AgentID))
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, attribute.String("agent.execution.id", event.ExecutionID))
	}
	if event.Content != "" {
		attrs = append(attrs, attribute.String("agent.content", event.Content))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("agent.duration_ms", event.DurationMs))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, attribute.String("agent.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Type {
	case store.TraceToolError:
		span.SetStatus(codes.Error, event.Content)
		if event.Content != "" {
			span.RecordError(fmt.Errorf("%s", event.Content))
		}
	case store.TraceToolEnd:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
}

func spanNameFor(event store.TraceEvent) string {
	if tool, ok := event.Metadata["tool"].(string); ok && tool != "" {
		return "agent.tool." + tool
	}
	return "agent." + string(event.Type)
}

var _ observe.Observer = (*Bridge)(nil)
