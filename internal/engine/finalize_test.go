package engine

import (
	"testing"

	"verdict/core/internal/store"
)

func rec(outcome string) *store.Recommendation {
	return &store.Recommendation{Outcome: outcome, Confidence: 0.9, Rationale: "automated"}
}

func dec(outcome string) *store.Decision {
	return &store.Decision{Outcome: outcome, Actor: "reviewer", Rationale: "looked at it"}
}

func TestFinalStatusPrecedence(t *testing.T) {
	cases := []struct {
		name      string
		rec       *store.Recommendation
		primary   *store.Decision
		secondary *store.Decision
		want      string
	}{
		{"nothing", nil, nil, nil, store.FinalPending},
		{"recommendation only", rec("PASS"), nil, nil, store.FinalPendingReview},
		{"primary only", nil, dec("PASS"), nil, "PASS"},
		{"secondary only", nil, nil, dec("FAIL"), "FAIL"},
		{"primary over recommendation", rec("PASS"), dec("FAIL"), nil, "FAIL"},
		{"secondary over primary", rec("PASS"), dec("PASS"), dec("FAIL"), "FAIL"},
		{"secondary over recommendation", rec("PASS"), nil, dec("BLOCKED"), "BLOCKED"},
		{"all agree", rec("PASS"), dec("PASS"), dec("PASS"), "PASS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := finalStatus(tc.rec, tc.primary, tc.secondary)
			if got != tc.want {
				t.Fatalf("finalStatus = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestFinalStatusFullGrid enumerates every combination of the three signals
// being absent, agreeing (PASS) or disagreeing (FAIL), and checks the final
// status against the precedence rule directly.
func TestFinalStatusFullGrid(t *testing.T) {
	const (
		absent    = "absent"
		agrees    = "agrees"
		disagrees = "disagrees"
	)
	states := []string{absent, agrees, disagrees}
	outcome := map[string]string{agrees: "PASS", disagrees: "FAIL"}

	for _, recState := range states {
		for _, primaryState := range states {
			for _, secondaryState := range states {
				name := "rec=" + recState + "/primary=" + primaryState + "/secondary=" + secondaryState
				t.Run(name, func(t *testing.T) {
					var r *store.Recommendation
					if recState != absent {
						r = rec(outcome[recState])
					}
					var primary, secondary *store.Decision
					if primaryState != absent {
						primary = dec(outcome[primaryState])
					}
					if secondaryState != absent {
						secondary = dec(outcome[secondaryState])
					}

					var want string
					switch {
					case secondaryState != absent:
						want = outcome[secondaryState]
					case primaryState != absent:
						want = outcome[primaryState]
					case recState != absent:
						want = store.FinalPendingReview
					default:
						want = store.FinalPending
					}

					if got := finalStatus(r, primary, secondary); got != want {
						t.Fatalf("finalStatus = %q, want %q", got, want)
					}
				})
			}
		}
	}
}

func TestPriorSignal(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		rec     *store.Recommendation
		primary *store.Decision
		want    string
	}{
		{"primary with recommendation", store.RolePrimary, rec("PASS"), nil, "PASS"},
		{"primary without recommendation", store.RolePrimary, nil, nil, ""},
		{"secondary prefers primary", store.RoleSecondary, rec("PASS"), dec("FAIL"), "FAIL"},
		{"secondary falls back to recommendation", store.RoleSecondary, rec("PASS"), nil, "PASS"},
		{"secondary with nothing", store.RoleSecondary, nil, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := priorSignal(tc.role, tc.rec, tc.primary)
			if got != tc.want {
				t.Fatalf("priorSignal = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsOverride(t *testing.T) {
	cases := []struct {
		name string
		item store.DecisionItem
		want bool
	}{
		{"no decisions", store.DecisionItem{Recommendation: rec("PASS")}, false},
		{"primary agrees", store.DecisionItem{Recommendation: rec("PASS"), Primary: dec("PASS")}, false},
		{"primary overrides recommendation", store.DecisionItem{Recommendation: rec("PASS"), Primary: dec("FAIL")}, true},
		{"primary without prior signal", store.DecisionItem{Primary: dec("FAIL")}, false},
		{"secondary overrides primary", store.DecisionItem{Primary: dec("PASS"), Secondary: dec("FAIL")}, true},
		{"secondary restores recommendation", store.DecisionItem{Recommendation: rec("PASS"), Primary: dec("FAIL"), Secondary: dec("PASS")}, true},
		{"secondary agrees with primary", store.DecisionItem{Recommendation: rec("FAIL"), Primary: dec("PASS"), Secondary: dec("PASS")}, false},
		{"secondary overrides recommendation directly", store.DecisionItem{Recommendation: rec("PASS"), Secondary: dec("FAIL")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isOverride(tc.item); got != tc.want {
				t.Fatalf("isOverride = %v, want %v", got, tc.want)
			}
		})
	}
}
