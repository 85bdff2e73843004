package stream

import "sync"

const defaultBusBuffer = 256

// Bus decouples event production from stream writes: producers enqueue onto a
// bounded channel and a single writer goroutine drains it to the downstream
// emitter. A full queue applies backpressure to the producer rather than
// dropping events, so terminal events are never lost.
type Bus struct {
	emitter Emitter
	queue   chan Event
	drained chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func NewBus(emitter Emitter, buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	b := &Bus{
		emitter: emitter,
		queue:   make(chan Event, buffer),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Bus) pump() {
	for event := range b.queue {
		_ = b.emitter.Emit(event)
	}
	close(b.drained)
}

// Emit enqueues one event, blocking while the queue is full.
func (b *Bus) Emit(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queue <- event
	return nil
}

// Close drains all queued events to the emitter, closes the emitter exactly
// once, and is safe to call multiple times.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()

		<-b.drained
		b.closeErr = b.emitter.Close()
		close(b.done)
	})
	<-b.done
	return b.closeErr
}
