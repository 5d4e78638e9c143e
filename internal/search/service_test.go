package search

import (
	"context"
	"testing"
	"time"

	"verdict/core/internal/store"
)

type recorderBackend struct {
	healthy   bool
	results   []Result
	audits    []AuditRecord
	decisions []DecisionRecord
}

func (r *recorderBackend) Healthy() bool { return r.healthy }

func (r *recorderBackend) Search(q Query) ([]Result, error) { return r.results, nil }

func (r *recorderBackend) IndexAudit(rec AuditRecord) error {
	r.audits = append(r.audits, rec)
	return nil
}

func (r *recorderBackend) IndexDecision(rec DecisionRecord) error {
	r.decisions = append(r.decisions, rec)
	return nil
}

func TestSearchWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Search(context.Background(), Query{Text: "anything"}); err == nil {
		t.Fatal("expected error when no backend is configured")
	}
}

func TestSearchPrefersHealthyMeili(t *testing.T) {
	backend := &recorderBackend{
		healthy: true,
		results: []Result{{Type: ResultAudit, ID: "1", Title: "VERSION_CREATED"}},
	}
	svc := &Service{meili: backend}

	results, err := svc.Search(context.Background(), Query{Text: "created"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "1" {
		t.Fatalf("results = %+v, want the meilisearch hit", results)
	}

	// An unhealthy backend with no fallback is an error, not a silent empty
	// result set.
	backend.healthy = false
	if _, err := svc.Search(context.Background(), Query{Text: "created"}); err == nil {
		t.Fatal("expected error when meilisearch is down and no fallback exists")
	}
}

func TestIndexingWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	versionID := "ver_1"
	// Must not panic or block; the Postgres fallback reads committed rows
	// directly and needs no index maintenance.
	svc.IndexAuditEntry(store.AuditEntry{ID: 1, PhaseID: "phase-1", VersionID: &versionID, Action: "VERSION_CREATED", Actor: "alice"})
	svc.IndexDecision(store.DecisionItem{ID: "itm_1", VersionID: versionID, SubjectRef: "tc-1", FinalStatus: "PASS"})
}

func TestIndexAuditEntryConversion(t *testing.T) {
	backend := &recorderBackend{}
	svc := &Service{meili: backend}

	versionID := "ver_1"
	svc.IndexAuditEntry(store.AuditEntry{
		ID:        42,
		PhaseID:   "phase-1",
		VersionID: &versionID,
		Action:    "DECISION_SUBMITTED",
		Actor:     "bob",
		Notes:     "PRIMARY decision for tc-1",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})

	if len(backend.audits) != 1 {
		t.Fatalf("indexed %d audit records, want 1", len(backend.audits))
	}
	got := backend.audits[0]
	if got.ID != "42" || got.PhaseID != "phase-1" || got.VersionID != "ver_1" {
		t.Errorf("record identity = %+v", got)
	}
	if got.Action != "DECISION_SUBMITTED" || got.Actor != "bob" || got.Notes != "PRIMARY decision for tc-1" {
		t.Errorf("record content = %+v", got)
	}
	if got.CreatedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("CreatedAt = %q, want RFC3339 UTC", got.CreatedAt)
	}
}

func TestReindexPhaseBackfillsIndexes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	versionID := "ver_1"

	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertVersion(ctx, store.Version{
			ID: versionID, PhaseID: "phase-1", VersionNumber: 1,
			Status: store.VersionDraft, CreatedBy: "alice", Revision: 1,
		}); err != nil {
			return err
		}
		if err := tx.InsertItem(ctx, store.DecisionItem{
			ID: "itm_1", VersionID: versionID, SubjectRef: "tc-1",
			Primary:     &store.Decision{Outcome: "PASS", Actor: "bob", Rationale: "clean run"},
			FinalStatus: "PASS", Revision: 1,
		}); err != nil {
			return err
		}
		for _, action := range []string{store.ActionVersionCreated, store.ActionDecisionSubmitted} {
			if _, err := tx.AppendAudit(ctx, store.AuditEntry{
				PhaseID: "phase-1", VersionID: &versionID, Action: action, Actor: "alice",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	backend := &recorderBackend{healthy: true}
	svc := &Service{meili: backend}

	entries, items, err := svc.ReindexPhase(ctx, st, "phase-1")
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if entries != 2 || items != 1 {
		t.Fatalf("reindexed %d entries, %d items, want 2 and 1", entries, items)
	}
	if len(backend.audits) != 2 || len(backend.decisions) != 1 {
		t.Fatalf("backend received %d audits, %d decisions", len(backend.audits), len(backend.decisions))
	}
	if backend.decisions[0].Rationale != "clean run" {
		t.Errorf("decision rationale = %q", backend.decisions[0].Rationale)
	}

	if _, _, err := NewService(nil, nil).ReindexPhase(ctx, st, "phase-1"); err == nil {
		t.Fatal("reindex without meilisearch: expected error")
	}
}

func TestFlattenRationales(t *testing.T) {
	item := store.DecisionItem{
		Recommendation: &store.Recommendation{Outcome: "PASS", Rationale: "all green"},
		Primary:        &store.Decision{Outcome: "FAIL", Rationale: "flaky on retry", OverrideReason: "step 3 timeout"},
		Secondary:      &store.Decision{Outcome: "FAIL", Rationale: "  "},
	}
	got := flattenRationales(item)
	want := "all green flaky on retry step 3 timeout"
	if got != want {
		t.Fatalf("flattenRationales = %q, want %q", got, want)
	}

	if got := flattenRationales(store.DecisionItem{}); got != "" {
		t.Fatalf("empty item = %q, want empty", got)
	}
}
