package stream

import (
	"fmt"
	"sync"
	"testing"
)

func TestBusPreservesOrder(t *testing.T) {
	capture := NewCaptureEmitter()
	bus := NewBus(capture, 8)

	for i := 0; i < 50; i++ {
		if err := bus.Emit(Event{Name: EventToken, Payload: TokenPayload{Token: fmt.Sprintf("t%d", i)}}); err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := capture.Events()
	if len(events) != 50 {
		t.Fatalf("expected 50 events after close, got %d", len(events))
	}
	for i, event := range events {
		want := fmt.Sprintf("t%d", i)
		if got := event.Payload.(TokenPayload).Token; got != want {
			t.Fatalf("event %d = %q, want %q", i, got, want)
		}
	}
}

func TestBusEmitAfterClose(t *testing.T) {
	bus := NewBus(NewCaptureEmitter(), 0)
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Emit(Event{Name: EventToken}); err != ErrClosed {
		t.Fatalf("Emit after close = %v, want ErrClosed", err)
	}
}

func TestBusClosesEmitterExactlyOnce(t *testing.T) {
	capture := NewCaptureEmitter()
	bus := NewBus(capture, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Close()
		}()
	}
	wg.Wait()

	if got := capture.CloseCount(); got != 1 {
		t.Fatalf("emitter closed %d times, want 1", got)
	}
}
