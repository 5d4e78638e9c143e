package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"verdict/core/internal/store"
)

// meiliBackend is what Service needs from the Meilisearch client. *Meili
// satisfies it; tests substitute a recorder.
type meiliBackend interface {
	Healthy() bool
	Search(q Query) ([]Result, error)
	IndexAudit(rec AuditRecord) error
	IndexDecision(rec DecisionRecord) error
}

// Service fronts the two backends: Meilisearch when healthy, Postgres
// otherwise. It also implements the engine's indexing hook.
type Service struct {
	meili meiliBackend
	pg    *PgSearch
}

func NewService(meili *Meili, pg *PgSearch) *Service {
	s := &Service{pg: pg}
	if meili != nil {
		s.meili = meili
	}
	return s
}

// Search runs the query against Meilisearch when available, falling back to
// the Postgres scan otherwise.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return results, nil
		}
		log.Printf("search: meilisearch query failed, falling back to postgres: %v", err)
	}
	if s.pg == nil {
		return nil, fmt.Errorf("no search backend available")
	}
	return s.pg.Search(ctx, q)
}

// IndexAuditEntry pushes a committed audit entry into the search index.
// Failures are logged, never surfaced: the audit log itself is authoritative.
func (s *Service) IndexAuditEntry(entry store.AuditEntry) {
	if s.meili == nil {
		return
	}
	rec := auditRecord(entry)
	if err := s.meili.IndexAudit(rec); err != nil {
		log.Printf("search: index audit entry %s: %v", rec.ID, err)
	}
}

// IndexDecision pushes a committed ledger item into the search index,
// flattening every rationale and override reason into one searchable field.
func (s *Service) IndexDecision(item store.DecisionItem) {
	if s.meili == nil {
		return
	}
	rec := decisionRecord(item)
	if err := s.meili.IndexDecision(rec); err != nil {
		log.Printf("search: index decision %s: %v", rec.ID, err)
	}
}

// ReindexPhase rebuilds the search indexes for one phase from the committed
// rows: every audit entry, and every ledger item of every surviving version.
// Used to backfill after Meilisearch downtime or a fresh index.
func (s *Service) ReindexPhase(ctx context.Context, st store.Store, phaseID string) (entries, items int, err error) {
	if s.meili == nil {
		return 0, 0, fmt.Errorf("no meilisearch backend configured")
	}

	trail, err := st.ListAuditTrail(ctx, phaseID, store.AuditFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("load audit trail: %w", err)
	}
	for _, entry := range trail {
		s.IndexAuditEntry(entry)
		entries++
	}

	versions, err := st.ListVersions(ctx, phaseID)
	if err != nil {
		return entries, 0, fmt.Errorf("list versions: %w", err)
	}
	for _, v := range versions {
		rows, err := st.ListVersionItems(ctx, v.ID)
		if err != nil {
			return entries, items, fmt.Errorf("list items of %s: %w", v.ID, err)
		}
		for _, item := range rows {
			s.IndexDecision(item)
			items++
		}
	}
	return entries, items, nil
}

func auditRecord(entry store.AuditEntry) AuditRecord {
	versionID := ""
	if entry.VersionID != nil {
		versionID = *entry.VersionID
	}
	return AuditRecord{
		ID:        fmt.Sprintf("%d", entry.ID),
		PhaseID:   entry.PhaseID,
		VersionID: versionID,
		Action:    entry.Action,
		Actor:     entry.Actor,
		Notes:     entry.Notes,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func decisionRecord(item store.DecisionItem) DecisionRecord {
	return DecisionRecord{
		ID:          item.ID,
		VersionID:   item.VersionID,
		SubjectRef:  item.SubjectRef,
		FinalStatus: item.FinalStatus,
		Rationale:   flattenRationales(item),
	}
}

func flattenRationales(item store.DecisionItem) string {
	var parts []string
	if item.Recommendation != nil {
		parts = append(parts, item.Recommendation.Rationale)
	}
	for _, d := range []*store.Decision{item.Primary, item.Secondary} {
		if d == nil {
			continue
		}
		parts = append(parts, d.Rationale, d.OverrideReason)
	}
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
