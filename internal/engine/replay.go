package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"verdict/core/internal/store"
)

// PhaseState is the materialized end state of one phase: every version and
// every ledger item, keyed for comparison against the committed store.
type PhaseState struct {
	Versions map[string]store.Version
	Items    map[string]map[string]store.DecisionItem
}

func NewPhaseState() PhaseState {
	return PhaseState{
		Versions: make(map[string]store.Version),
		Items:    make(map[string]map[string]store.DecisionItem),
	}
}

// ReplayPhase folds a phase's audit trail, in order, into the state it
// describes. Because every mutation commits atomically with its audit entry
// and the after-image carries the full row, the result equals the committed
// Version/DecisionItem state at the trail's end.
func ReplayPhase(entries []store.AuditEntry) (PhaseState, error) {
	state := NewPhaseState()
	for _, entry := range entries {
		switch entry.Action {
		case store.ActionVersionCreated, store.ActionVersionSubmitted,
			store.ActionVersionApproved, store.ActionVersionRejected,
			store.ActionVersionSuperseded:
			var v store.Version
			if err := json.Unmarshal(entry.After, &v); err != nil {
				return PhaseState{}, fmt.Errorf("replay entry %d (%s): %w", entry.ID, entry.Action, err)
			}
			state.Versions[v.ID] = v

		case store.ActionRecommendationSet, store.ActionDecisionSubmitted:
			var item store.DecisionItem
			if err := json.Unmarshal(entry.After, &item); err != nil {
				return PhaseState{}, fmt.Errorf("replay entry %d (%s): %w", entry.ID, entry.Action, err)
			}
			byRef := state.Items[item.VersionID]
			if byRef == nil {
				byRef = make(map[string]store.DecisionItem)
				state.Items[item.VersionID] = byRef
			}
			byRef[item.SubjectRef] = item

		case store.ActionPhasePurged:
			state = NewPhaseState()

		default:
			return PhaseState{}, fmt.Errorf("replay entry %d: unknown action %q", entry.ID, entry.Action)
		}
	}
	return state, nil
}

// CurrentPhaseState reads the committed state of a phase in the same shape
// ReplayPhase produces, for verification.
func CurrentPhaseState(ctx context.Context, st store.Store, phaseID string) (PhaseState, error) {
	state := NewPhaseState()
	versions, err := st.ListVersions(ctx, phaseID)
	if err != nil {
		return PhaseState{}, err
	}
	for _, v := range versions {
		state.Versions[v.ID] = v
		items, err := st.ListVersionItems(ctx, v.ID)
		if err != nil {
			return PhaseState{}, err
		}
		if len(items) == 0 {
			continue
		}
		byRef := make(map[string]store.DecisionItem, len(items))
		for _, item := range items {
			byRef[item.SubjectRef] = item
		}
		state.Items[v.ID] = byRef
	}
	return state, nil
}
