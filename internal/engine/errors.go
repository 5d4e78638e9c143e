package engine

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed input: a missing override reason, an
// empty rejection reason, submitting a version with no ledger items.
// Not retryable without caller-side correction.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lost concurrent-mutation race: a stale revision
// read, a duplicate open version, a lost compare-and-swap. Safe to retry
// after re-reading current state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Message
}

// Retryable is the hint that re-reading and retrying is expected to succeed.
func (e *ConflictError) Retryable() bool { return true }

func conflictf(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// StateError reports an operation that is not legal from the entity's current
// status, naming actual vs expected.
type StateError struct {
	Op       string
	Actual   string
	Expected []string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: version is %s, want %s", e.Op, e.Actual, strings.Join(e.Expected, " or "))
}

// NotFoundError reports a dangling version, subject or phase reference.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

func notFound(kind, ref string) *NotFoundError {
	return &NotFoundError{Kind: kind, Ref: ref}
}
