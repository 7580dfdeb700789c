package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failure so the scheduler can pick a recovery
// strategy: retry with backoff, re-authenticate, trip the circuit, degrade,
// or fail the job at admission.
type ErrorKind string

// Failure taxonomy.
const (
	KindNetwork    ErrorKind = "network"
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "ratelimit"
	KindExtraction ErrorKind = "extraction"
	KindConfig     ErrorKind = "config"
	KindCancel     ErrorKind = "cancel"
)

// Error wraps a cause with its kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain. Context cancellation maps
// to KindCancel, deadline expiry and transport errors to KindNetwork, and
// anything unclassified defaults to KindNetwork so it stays retryable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancel
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindNetwork
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
