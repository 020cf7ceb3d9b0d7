// Package corerr attaches an error kind from the engine's closed taxonomy to
// ordinary wrapped errors, so callers can decide on propagation policy
// (recover locally, surface, abort) without string matching.
package corerr

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is the closed set of error categories the engine distinguishes.
type Kind int

const (
	// Unknown is the zero Kind, reported for errors that carry no kind.
	Unknown Kind = iota
	// Build: handler returned failure, output missing, execution timeout.
	Build
	// Cache: corruption, load/save I/O failure, missing referenced artifact.
	Cache
	// Graph: cycle, missing dependency, duplicate label.
	Graph
	// IO: file not found, permission denied, disk full.
	IO
	// Analysis: import scan failed, import unresolved.
	Analysis
	// Internal: assertion, unreachable. Fatal, never retried.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Build:
		return "build"
	case Cache:
		return "cache"
	case Graph:
		return "graph"
	case IO:
		return "io"
	case Analysis:
		return "analysis"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Error wraps an underlying error with a Kind and a transience marker.
type Error struct {
	Kind      Kind
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E returns a new error of the given kind, formatted like xerrors.Errorf (so
// %w wraps).
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: xerrors.Errorf(format, args...)}
}

// Transient returns a new transient error of the given kind. Transient errors
// (remote-cache timeout, network error) are retried by the scheduler.
func Transient(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Transient: true, Err: xerrors.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the chain. Wrapping
// nil returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsTransient reports whether any *Error in err's chain is marked transient.
func IsTransient(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Transient {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
