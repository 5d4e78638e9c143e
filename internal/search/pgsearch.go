package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgSearch is the fallback backend: ILIKE scans over the committed rows.
// Slower than Meilisearch but always consistent with the store.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	results := make([]Result, 0)
	if q.FilterType == "" || q.FilterType == ResultAudit {
		audit, err := p.searchAudit(ctx, q, limit)
		if err != nil {
			return nil, err
		}
		results = append(results, audit...)
	}
	if q.FilterType == "" || q.FilterType == ResultDecision {
		decisions, err := p.searchDecisions(ctx, q, limit)
		if err != nil {
			return nil, err
		}
		results = append(results, decisions...)
	}
	return results, nil
}

func (p *PgSearch) searchAudit(ctx context.Context, q Query, limit int) ([]Result, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, phase_id, COALESCE(version_id, ''), action, actor, notes
		FROM audit_log
		WHERE ($1='' OR phase_id=$1)
		  AND (notes ILIKE '%' || $2 || '%' OR actor ILIKE '%' || $2 || '%' OR action ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, q.FilterPhase, q.Text, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("search audit: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var id int64
		var actor, notes string
		if err := rows.Scan(&id, &r.PhaseID, &r.VersionID, &r.Title, &actor, &notes); err != nil {
			return nil, fmt.Errorf("scan audit result: %w", err)
		}
		r.Type = ResultAudit
		r.ID = fmt.Sprintf("%d", id)
		r.Snippet = firstNonBlank(notes, actor)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit results: %w", err)
	}
	return results, nil
}

func (p *PgSearch) searchDecisions(ctx context.Context, q Query, limit int) ([]Result, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, version_id, subject_ref, final_status,
			CONCAT_WS(' ',
				recommendation->>'rationale',
				primary_decision->>'rationale',
				primary_decision->>'overrideReason',
				secondary_decision->>'rationale',
				secondary_decision->>'overrideReason')
		FROM ledger_items
		WHERE subject_ref ILIKE '%' || $1 || '%'
		   OR recommendation->>'rationale' ILIKE '%' || $1 || '%'
		   OR primary_decision->>'rationale' ILIKE '%' || $1 || '%'
		   OR primary_decision->>'overrideReason' ILIKE '%' || $1 || '%'
		   OR secondary_decision->>'rationale' ILIKE '%' || $1 || '%'
		   OR secondary_decision->>'overrideReason' ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, q.Text, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("search decisions: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.VersionID, &r.SubjectRef, &r.FinalStatus, &r.Snippet); err != nil {
			return nil, fmt.Errorf("scan decision result: %w", err)
		}
		r.Type = ResultDecision
		r.Title = r.SubjectRef
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision results: %w", err)
	}
	return results, nil
}
