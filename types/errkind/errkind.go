// Package errkind defines the error kinds surfaced at the solution API
// boundary, and helpers to build and classify them.
//
// Operations that fail because of caller input (configuration, preparation,
// storage sharing) return an error carrying one of these kinds. Debug-mode
// access checks and allocator misuse panic with the same error values, so
// tests can catch them with exceptions.Try; other programming errors panic
// through exceptions.Panicf and carry no kind.
package errkind

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind classifies an engine error.
type Kind int

const (
	// ConfigInvalid: unknown dimension name, non-positive size, or values
	// inconsistent across ranks.
	ConfigInvalid Kind = iota

	// AllocationFailed: aligned or NUMA-grouped allocation could not be made.
	AllocationFailed

	// ShapeMismatch: shared storage dims or sizes don't match.
	ShapeMismatch

	// IndexOutOfRange: debug-only grid access check.
	IndexOutOfRange

	// CommFailure: a process-group communication call failed.
	CommFailure

	// NotPrepared: the operation requires PrepareSolution first.
	NotPrepared

	// DuplicateName: a grid with this name already exists.
	DuplicateName

	// UnknownGrid: no grid with this name.
	UnknownGrid
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "CONFIG_INVALID"
	case AllocationFailed:
		return "ALLOCATION_FAILED"
	case ShapeMismatch:
		return "SHAPE_MISMATCH"
	case IndexOutOfRange:
		return "INDEX_OUT_OF_RANGE"
	case CommFailure:
		return "COMM_FAILURE"
	case NotPrepared:
		return "NOT_PREPARED"
	case DuplicateName:
		return "DUPLICATE_NAME"
	case UnknownGrid:
		return "UNKNOWN_GRID"
	}
	return "UNKNOWN_ERROR"
}

// kindError attaches a Kind to an error chain.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Errorf builds an error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// Panicf panics with an error of the given kind.
func Panicf(kind Kind, format string, args ...any) {
	panic(Errorf(kind, format, args...))
}

// KindOf returns the kind of err and whether it carries one.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
