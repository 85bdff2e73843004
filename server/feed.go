package server

import (
	"context"
	"sync"

	"github.com/questforge/orchestrator/observe"
	"github.com/questforge/orchestrator/store"
)

// Feed fans persisted trace events out to connected monitoring clients. It
// implements observe.Observer so the orchestrator publishes into it directly.
// Slow watchers drop events rather than stalling the run.
type Feed struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]chan store.TraceEvent
}

func NewFeed() *Feed {
	return &Feed{watchers: map[int]chan store.TraceEvent{}}
}

func (f *Feed) subscribe(buffer int) (int, <-chan store.TraceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := f.nextID
	f.nextID++
	ch := make(chan store.TraceEvent, buffer)
	f.watchers[id] = ch
	return id, ch
}

func (f *Feed) unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.watchers[id]; ok {
		delete(f.watchers, id)
		close(ch)
	}
}

func (f *Feed) publish(event store.TraceEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *Feed) ObserveTrace(_ context.Context, event store.TraceEvent) {
	f.publish(event)
}

var _ observe.Observer = (*Feed)(nil)
