package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Store internals are never exposed raw;
// every operation fails with one of these wrapped in an OpError.
var (
	// ErrNotFound: a referenced org/user/agent/interaction/memory does not
	// exist at the given tenant scope. Never silently created.
	ErrNotFound = errors.New("not found")

	// ErrValidation: malformed input (extraction batch shape, out-of-range
	// source positions, duplicate ids). The operation aborts before any
	// store mutation.
	ErrValidation = errors.New("validation failed")

	// ErrConsistency: the dual-write protocol exhausted its retries on the
	// similarity index after the graph commit succeeded. Graph state is
	// authoritative and valid; a later Reconcile pass repairs the index.
	ErrConsistency = errors.New("index write incomplete")

	// ErrConflict: the store detected a concurrent modification during a
	// transaction. The whole logical operation is safe to retry.
	ErrConflict = errors.New("concurrent modification")
)

// OpError wraps a failure with the operation that produced it.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("memora: %v", e.Err)
	}
	return fmt.Sprintf("memora: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return errors.Is(e.Err, target) }

// WrapOp attaches operation context, preserving the error kind.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// Retryable reports whether the error kind permits a caller retry of the
// whole operation with the same input.
func Retryable(err error) bool {
	return errors.Is(err, ErrConsistency) || errors.Is(err, ErrConflict)
}

// NotFoundf builds an ErrNotFound with entity context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Validationf builds an ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}
