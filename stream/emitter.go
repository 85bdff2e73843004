package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var ErrClosed = errors.New("stream: emitter closed")

// Emitter writes framed events onto a single outbound stream, in call order.
// Close is idempotent and safe to call more than once.
type Emitter interface {
	Emit(event Event) error
	Close() error
}

// SSEEmitter frames each event as two lines, `event: <name>` and
// `data: <JSON>`, followed by a blank line, flushing after every frame.
type SSEEmitter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  http.Flusher
	closed bool
}

func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEEmitter{w: w, flush: flusher}, nil
}

func (e *SSEEmitter) Emit(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event.Name, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event.Name, payload); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", event.Name, err)
	}
	e.flush.Flush()
	return nil
}

func (e *SSEEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// CaptureEmitter records events in memory. Used by tests and the demo mode.
type CaptureEmitter struct {
	mu     sync.Mutex
	events []Event
	closes int
}

func NewCaptureEmitter() *CaptureEmitter {
	return &CaptureEmitter{}
}

func (e *CaptureEmitter) Emit(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closes > 0 {
		return ErrClosed
	}
	e.events = append(e.events, event)
	return nil
}

func (e *CaptureEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

// Events returns a copy of the captured events.
func (e *CaptureEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// CloseCount reports how many times Close was called.
func (e *CaptureEmitter) CloseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}
