package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a failed invocation. Each kind maps to a distinct
// recovery action: recursion_limit and timeout are resumable from the last
// checkpoint, transient failures are retried, permanent ones surface as-is.
type ErrorKind string

const (
	KindRecursionLimit ErrorKind = "recursion_limit"
	KindTimeout        ErrorKind = "timeout"
	KindTransient      ErrorKind = "transient"
	KindPermanent      ErrorKind = "permanent"
)

// Error is the typed failure contract for Runtime implementations. Engines
// should wrap failures in *Error; Classify falls back to message inspection
// for engines that do not yet expose typed errors.
type Error struct {
	Kind ErrorKind
	Err  error
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var recursionLimitMarkers = []string{
	"recursion limit",
	"max iterations",
	"maximum iterations",
	"step budget exhausted",
}

var timeoutMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"unexpected eof",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"rate limit",
	"i/o timeout",
	"502",
	"503",
	"504",
	"529",
}

// Classify maps an invocation failure to an ErrorKind. The typed *Error kind
// wins when present; otherwise the error message is matched against known
// markers as a fallback adapter for untyped engines. The message contract is
// not guaranteed stable, which is why typed errors are authoritative.
func Classify(err error, isTransient func(error) bool) ErrorKind {
	if err == nil {
		return KindPermanent
	}
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Kind != "" {
		return rerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range recursionLimitMarkers {
		if strings.Contains(msg, marker) {
			return KindRecursionLimit
		}
	}
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			return KindTimeout
		}
	}
	if isTransient == nil {
		isTransient = IsTransient
	}
	if isTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient is the default transient-error predicate: network and
// infrastructure blips that are likely to succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind == KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
