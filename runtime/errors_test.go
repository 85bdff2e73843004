package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed recursion", NewError(KindRecursionLimit, errors.New("stopped")), KindRecursionLimit},
		{"typed timeout", NewError(KindTimeout, nil), KindTimeout},
		{"typed transient", NewError(KindTransient, errors.New("blip")), KindTransient},
		{"wrapped typed error", fmt.Errorf("invoke: %w", NewError(KindRecursionLimit, errors.New("stopped"))), KindRecursionLimit},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"recursion message", errors.New("agent hit max iterations (100)"), KindRecursionLimit},
		{"budget message", errors.New("step budget exhausted"), KindRecursionLimit},
		{"timeout message", errors.New("request timed out after 30s"), KindTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTransient},
		{"rate limited", errors.New("429: rate limit exceeded"), KindTransient},
		{"overloaded", errors.New("upstream returned 529"), KindTransient},
		{"plain failure", errors.New("invalid tool arguments"), KindPermanent},
		{"nil", nil, KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err, nil); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyCustomPredicateWins(t *testing.T) {
	err := errors.New("weird backend hiccup")
	got := Classify(err, func(error) bool { return true })
	if got != KindTransient {
		t.Fatalf("Classify = %s, want %s", got, KindTransient)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil error must not be transient")
	}
	if IsTransient(NewError(KindPermanent, errors.New("nope"))) {
		t.Fatal("typed permanent error must not be transient")
	}
	if !IsTransient(NewError(KindTransient, errors.New("blip"))) {
		t.Fatal("typed transient error must be transient")
	}
	if !IsTransient(errors.New("read tcp: i/o timeout")) {
		t.Fatal("i/o timeout must be transient")
	}
	if IsTransient(errors.New("syntax error")) {
		t.Fatal("syntax error must not be transient")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := NewError(KindTimeout, inner)
	if !errors.Is(err, inner) {
		t.Fatal("errors.Is must see the wrapped cause")
	}
	if err.Error() != "timeout: root cause" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if NewError(KindTimeout, nil).Error() != "timeout" {
		t.Fatalf("Error() without cause = %q", NewError(KindTimeout, nil).Error())
	}
}
