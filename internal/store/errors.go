package store

import "errors"

// Sentinel errors shared by all store backends. The engine maps them onto its
// caller-facing taxonomy.
var (
	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStale means a compare-and-swap on a row's revision counter lost, or
	// the transaction failed serialization and should be retried.
	ErrStale = errors.New("store: stale revision")
	// ErrDuplicate means an insert collided with a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate row")
)
