package engine

import "verdict/core/internal/store"

// finalStatus derives an item's authoritative outcome from its three signals.
// The secondary reviewer always has final say, then the primary reviewer,
// then the automated recommendation (which alone only yields PENDING_REVIEW).
// Total over every presence combination.
func finalStatus(rec *store.Recommendation, primary, secondary *store.Decision) string {
	switch {
	case secondary != nil:
		return secondary.Outcome
	case primary != nil:
		return primary.Outcome
	case rec != nil:
		return store.FinalPendingReview
	default:
		return store.FinalPending
	}
}

// priorSignal returns the outcome the given role's decision is measured
// against: the primary outcome (else the recommendation) for a secondary
// decision, the recommendation for a primary decision. Empty when there is
// no prior signal.
func priorSignal(role string, rec *store.Recommendation, primary *store.Decision) string {
	if role == store.RoleSecondary && primary != nil {
		return primary.Outcome
	}
	if rec != nil {
		return rec.Outcome
	}
	return ""
}

// isOverride reports whether the deciding decision disagrees with the signal
// that preceded it. Such disagreement requires a recorded override reason.
func isOverride(item store.DecisionItem) bool {
	if item.Secondary != nil {
		prior := priorSignal(store.RoleSecondary, item.Recommendation, item.Primary)
		return prior != "" && prior != item.Secondary.Outcome
	}
	if item.Primary != nil {
		prior := priorSignal(store.RolePrimary, item.Recommendation, nil)
		return prior != "" && prior != item.Primary.Outcome
	}
	return false
}
