package engine

import (
	"fmt"

	"verdict/core/internal/store"
)

// Legal version transitions. SUPERSEDED is reachable only from APPROVED and
// only as a side effect of a newer version's approval; REJECTED and
// SUPERSEDED are terminal (a rejected version is revised by creating a new
// draft that points at it, never in place).
var versionTransitions = map[string][]string{
	store.VersionDraft:    {store.VersionPending},
	store.VersionPending:  {store.VersionApproved, store.VersionRejected},
	store.VersionApproved: {store.VersionSuperseded},
}

func canTransition(from, to string) bool {
	for _, next := range versionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves v to the next status or returns a StateError naming the
// status the operation needed.
func transition(op string, v *store.Version, to string) error {
	if !canTransition(v.Status, to) {
		var expected []string
		for from, nexts := range versionTransitions {
			for _, next := range nexts {
				if next == to {
					expected = append(expected, from)
				}
			}
		}
		return &StateError{Op: op, Actual: v.Status, Expected: expected}
	}
	v.Status = to
	return nil
}

// supersede marks an approved version as replaced. A target in any other
// terminal state is a bug in the caller, not a user-facing condition.
func supersede(v *store.Version) error {
	if v.Status != store.VersionApproved {
		return fmt.Errorf("supersede: version %s is %s, not %s", v.ID, v.Status, store.VersionApproved)
	}
	v.Status = store.VersionSuperseded
	return nil
}
