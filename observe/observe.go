// Package observe lets external consumers watch trace events as a run
// produces them, without coupling the orchestrator to any one backend.
package observe

import (
	"context"

	"github.com/questforge/orchestrator/store"
)

// Observer receives each trace event after it is persisted. Implementations
// must not block; slow consumers should buffer internally.
type Observer interface {
	ObserveTrace(ctx context.Context, event store.TraceEvent)
}

// Noop discards every event.
type Noop struct{}

func (Noop) ObserveTrace(context.Context, store.TraceEvent) {}

// Multi fans one event out to several observers in order.
type Multi []Observer

func (m Multi) ObserveTrace(ctx context.Context, event store.TraceEvent) {
	for _, o := range m {
		if o != nil {
			o.ObserveTrace(ctx, event)
		}
	}
}
