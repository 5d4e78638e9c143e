// Package engine implements the versioned decision ledger: one live version
// per workflow phase, per-subject decision rows reconciled from an automated
// recommendation plus two human reviewer roles, and an append-only audit
// trail written in the same transaction as every mutation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"verdict/core/internal/store"
	"verdict/core/internal/util"
)

// StatsCache is the optional read-side projection cache. A nil cache means
// every GetStats recomputes from the ledger.
type StatsCache interface {
	Get(ctx context.Context, versionID string) (*store.Stats, error)
	Put(ctx context.Context, versionID string, stats store.Stats) error
	Invalidate(ctx context.Context, versionID string) error
}

// Indexer receives committed audit entries and decision items for full-text
// search. Indexing is best-effort: the authoritative rows are already
// committed when it runs.
type Indexer interface {
	IndexAuditEntry(entry store.AuditEntry)
	IndexDecision(item store.DecisionItem)
}

type Engine struct {
	store store.Store
	cache StatsCache
	index Indexer
	now   func() time.Time
	newID func(prefix string) string
}

type Option func(*Engine)

func WithStatsCache(cache StatsCache) Option {
	return func(e *Engine) { e.cache = cache }
}

func WithIndexer(index Indexer) Option {
	return func(e *Engine) { e.index = index }
}

// WithClock overrides the engine clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		now:   time.Now,
		newID: util.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DecisionInput carries one human decision submission.
type DecisionInput struct {
	Actor          string
	Outcome        string
	Rationale      string
	OverrideReason string
}

func mapStoreErr(err error, kind, ref string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(kind, ref)
	case errors.Is(err, store.ErrStale):
		return conflictf("%s %s was modified concurrently, retry", kind, ref)
	case errors.Is(err, store.ErrDuplicate):
		return conflictf("%s %s already exists", kind, ref)
	}
	return err
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// Models are plain structs; marshal cannot fail on them.
		panic(fmt.Sprintf("engine: snapshot: %v", err))
	}
	return raw
}

// itemState unwraps an optional before-image so a nil item stays a null
// snapshot rather than a typed nil inside the any.
func itemState(item *store.DecisionItem) any {
	if item == nil {
		return nil
	}
	return *item
}

func (e *Engine) audit(ctx context.Context, tx store.Tx, phaseID string, versionID *string, action, actor string, before, after any, notes string) (store.AuditEntry, error) {
	entry := store.AuditEntry{
		PhaseID:   phaseID,
		VersionID: versionID,
		Action:    action,
		Actor:     actor,
		Notes:     notes,
		CreatedAt: e.now().UTC(),
	}
	if before != nil {
		entry.Before = snapshot(before)
	}
	if after != nil {
		entry.After = snapshot(after)
	}
	id, err := tx.AppendAudit(ctx, entry)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	entry.ID = id
	return entry, nil
}

func (e *Engine) afterCommit(entries []store.AuditEntry, items []store.DecisionItem) {
	if e.index == nil {
		return
	}
	for _, entry := range entries {
		e.index.IndexAuditEntry(entry)
	}
	for _, item := range items {
		e.index.IndexDecision(item)
	}
}

func (e *Engine) invalidateStats(ctx context.Context, versionID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, versionID); err != nil {
		log.Printf("engine: invalidate stats cache for %s: %v", versionID, err)
	}
}

// CreateVersion opens a new draft for the phase. The first version takes no
// parent; every later one must explicitly revise the phase's latest version,
// and only one draft/pending version may exist at a time.
func (e *Engine) CreateVersion(ctx context.Context, phaseID string, parentVersionID *string, actor, notes string) (store.Version, error) {
	if phaseID == "" {
		return store.Version{}, validationf("phase id is required")
	}
	if actor == "" {
		return store.Version{}, validationf("actor is required")
	}

	var created store.Version
	var entries []store.AuditEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		open, err := tx.OpenVersion(ctx, phaseID)
		if err != nil {
			return err
		}
		if open != nil {
			return conflictf("phase %s already has open version %s", phaseID, open.ID)
		}

		latest, err := tx.LatestVersion(ctx, phaseID)
		if err != nil {
			return err
		}
		switch {
		case latest == nil && parentVersionID != nil:
			return validationf("first version for phase %s takes no parent", phaseID)
		case latest != nil && parentVersionID == nil:
			return conflictf("phase %s has version %s; new versions must name it as parent", phaseID, latest.ID)
		case latest != nil && *parentVersionID != latest.ID:
			return conflictf("parent %s is not the latest version %s of phase %s", *parentVersionID, latest.ID, phaseID)
		}

		now := e.now().UTC()
		number := 1
		if latest != nil {
			number = latest.VersionNumber + 1
		}
		created = store.Version{
			ID:              e.newID("ver"),
			PhaseID:         phaseID,
			VersionNumber:   number,
			Status:          store.VersionDraft,
			ParentVersionID: parentVersionID,
			Notes:           notes,
			CreatedBy:       actor,
			Revision:        1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertVersion(ctx, created); err != nil {
			return mapStoreErr(err, "version", created.ID)
		}

		entry, err := e.audit(ctx, tx, phaseID, &created.ID, store.ActionVersionCreated, actor, nil, created, notes)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return store.Version{}, mapStoreErr(err, "phase", phaseID)
	}
	e.afterCommit(entries, nil)
	return created, nil
}

// SetRecommendation records the automated suggestion for a subject. Callable
// only while no human decision exists for the item, so the baseline a
// reviewer acted on can never change under them.
func (e *Engine) SetRecommendation(ctx context.Context, versionID, subjectRef string, rec store.Recommendation) (store.DecisionItem, error) {
	if subjectRef == "" {
		return store.DecisionItem{}, validationf("subject ref is required")
	}
	if rec.Outcome == "" {
		return store.DecisionItem{}, validationf("recommendation outcome is required")
	}
	if math.IsNaN(rec.Confidence) || rec.Confidence < 0 || rec.Confidence > 1 {
		return store.DecisionItem{}, validationf("confidence %v out of range [0, 1]", rec.Confidence)
	}

	var result store.DecisionItem
	var entries []store.AuditEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		version, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return mapStoreErr(err, "version", versionID)
		}
		if !version.Open() {
			return &StateError{Op: "set recommendation", Actual: version.Status,
				Expected: []string{store.VersionDraft, store.VersionPending}}
		}

		item, err := tx.GetItem(ctx, versionID, subjectRef)
		if err != nil {
			return err
		}
		if item != nil && humanDecided(*item) {
			return conflictf("subject %s already has a human decision; recommendation is frozen", subjectRef)
		}

		now := e.now().UTC()
		var before *store.DecisionItem
		if item == nil {
			result = store.DecisionItem{
				ID:             e.newID("itm"),
				VersionID:      versionID,
				SubjectRef:     subjectRef,
				Recommendation: &rec,
				FinalStatus:    store.FinalPendingReview,
				Revision:       1,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.InsertItem(ctx, result); err != nil {
				return mapStoreErr(err, "item", subjectRef)
			}
		} else {
			snapshotted := *item
			before = &snapshotted
			item.Recommendation = &rec
			item.FinalStatus = finalStatus(item.Recommendation, item.Primary, item.Secondary)
			item.UpdatedAt = now
			if err := tx.UpdateItem(ctx, *item); err != nil {
				return mapStoreErr(err, "item", subjectRef)
			}
			item.Revision++
			result = *item
		}

		entry, err := e.audit(ctx, tx, version.PhaseID, &versionID, store.ActionRecommendationSet,
			"system", itemState(before), result, rec.Rationale)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return store.DecisionItem{}, err
	}
	e.invalidateStats(ctx, versionID)
	e.afterCommit(entries, []store.DecisionItem{result})
	return result, nil
}

// SubmitDecision upserts one role's decision slot on the ledger row for
// (version, subject), creating the row if absent, and recomputes the final
// status. Disagreeing with the prior signal requires an override reason.
func (e *Engine) SubmitDecision(ctx context.Context, versionID, subjectRef, role string, in DecisionInput) (store.DecisionItem, error) {
	if role != store.RolePrimary && role != store.RoleSecondary {
		return store.DecisionItem{}, validationf("unknown decision role %q", role)
	}
	if subjectRef == "" {
		return store.DecisionItem{}, validationf("subject ref is required")
	}
	if in.Actor == "" {
		return store.DecisionItem{}, validationf("actor is required")
	}
	if in.Outcome == "" {
		return store.DecisionItem{}, validationf("decision outcome is required")
	}

	var result store.DecisionItem
	var entries []store.AuditEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		version, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return mapStoreErr(err, "version", versionID)
		}
		if !version.Open() {
			return &StateError{Op: "submit decision", Actual: version.Status,
				Expected: []string{store.VersionDraft, store.VersionPending}}
		}

		existing, err := tx.GetItem(ctx, versionID, subjectRef)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		decision := store.Decision{
			Outcome:        in.Outcome,
			Actor:          in.Actor,
			Rationale:      in.Rationale,
			OverrideReason: in.OverrideReason,
			DecidedAt:      &now,
		}

		item := store.DecisionItem{
			ID:         e.newID("itm"),
			VersionID:  versionID,
			SubjectRef: subjectRef,
			Revision:   1,
			CreatedAt:  now,
		}
		var before *store.DecisionItem
		if existing != nil {
			item = *existing
			snapshotted := *existing
			before = &snapshotted
		}

		var current *store.Decision
		if role == store.RolePrimary {
			current = item.Primary
		} else {
			current = item.Secondary
		}
		if sameDecision(current, decision) {
			// Idempotent re-submission: the row stays untouched, the call
			// still leaves its own audit entry.
			result = item
			entry, err := e.audit(ctx, tx, version.PhaseID, &versionID, store.ActionDecisionSubmitted,
				in.Actor, itemState(before), result, role+" decision for "+subjectRef+" (no change)")
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		}

		prior := priorSignal(role, item.Recommendation, item.Primary)
		if prior != "" && prior != in.Outcome && in.OverrideReason == "" {
			return validationf("outcome %q disagrees with prior signal %q; override reason is required", in.Outcome, prior)
		}

		if role == store.RolePrimary {
			item.Primary = &decision
		} else {
			item.Secondary = &decision
		}
		item.FinalStatus = finalStatus(item.Recommendation, item.Primary, item.Secondary)
		item.UpdatedAt = now

		if existing == nil {
			if err := tx.InsertItem(ctx, item); err != nil {
				return mapStoreErr(err, "item", subjectRef)
			}
		} else {
			if err := tx.UpdateItem(ctx, item); err != nil {
				return mapStoreErr(err, "item", subjectRef)
			}
			item.Revision++
		}
		result = item

		entry, err := e.audit(ctx, tx, version.PhaseID, &versionID, store.ActionDecisionSubmitted,
			in.Actor, itemState(before), result, role+" decision for "+subjectRef)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return store.DecisionItem{}, err
	}
	e.invalidateStats(ctx, versionID)
	e.afterCommit(entries, []store.DecisionItem{result})
	return result, nil
}

func sameDecision(current *store.Decision, next store.Decision) bool {
	if current == nil {
		return false
	}
	return current.Outcome == next.Outcome &&
		current.Actor == next.Actor &&
		current.Rationale == next.Rationale &&
		current.OverrideReason == next.OverrideReason
}

// SubmitVersion moves a draft into review. A version with an empty ledger
// cannot be submitted.
func (e *Engine) SubmitVersion(ctx context.Context, versionID, actor, notes string) (store.Version, error) {
	if actor == "" {
		return store.Version{}, validationf("actor is required")
	}
	return e.transitionVersion(ctx, versionID, func(tx store.Tx, v *store.Version) (string, string, error) {
		count, err := tx.CountItems(ctx, versionID)
		if err != nil {
			return "", "", err
		}
		if count == 0 {
			return "", "", validationf("version %s has no decision items to submit", versionID)
		}
		if err := transition("submit version", v, store.VersionPending); err != nil {
			return "", "", err
		}
		now := e.now().UTC()
		v.SubmittedBy = actor
		v.SubmittedAt = &now
		return store.ActionVersionSubmitted, notes, nil
	}, actor)
}

// ApproveVersion finalizes a pending version. The phase's previously approved
// version, if any, is superseded in the same transaction, and the ledger
// under this version freezes.
func (e *Engine) ApproveVersion(ctx context.Context, versionID, actor, notes string) (store.Version, error) {
	if actor == "" {
		return store.Version{}, validationf("actor is required")
	}

	var approved store.Version
	var entries []store.AuditEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		v, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return mapStoreErr(err, "version", versionID)
		}
		before := v
		if err := transition("approve version", &v, store.VersionApproved); err != nil {
			return err
		}

		prior, err := tx.ApprovedVersion(ctx, v.PhaseID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if prior != nil && prior.ID != v.ID {
			priorBefore := *prior
			if err := supersede(prior); err != nil {
				return err
			}
			prior.UpdatedAt = now
			if err := tx.UpdateVersion(ctx, *prior); err != nil {
				return mapStoreErr(err, "version", prior.ID)
			}
			prior.Revision++
			entry, err := e.audit(ctx, tx, v.PhaseID, &prior.ID, store.ActionVersionSuperseded,
				actor, priorBefore, *prior, "superseded by "+v.ID)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		v.ApprovedBy = actor
		v.ApprovedAt = &now
		v.UpdatedAt = now
		if err := tx.UpdateVersion(ctx, v); err != nil {
			return mapStoreErr(err, "version", versionID)
		}
		v.Revision++
		approved = v

		entry, err := e.audit(ctx, tx, v.PhaseID, &versionID, store.ActionVersionApproved,
			actor, before, approved, notes)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return store.Version{}, err
	}
	e.afterCommit(entries, nil)
	return approved, nil
}

// RejectVersion sends a pending version back with a mandatory reason. The
// ledger freezes; revision happens through a new draft naming this version
// as parent.
func (e *Engine) RejectVersion(ctx context.Context, versionID, actor, reason, requestedChanges string) (store.Version, error) {
	if actor == "" {
		return store.Version{}, validationf("actor is required")
	}
	if reason == "" {
		return store.Version{}, validationf("rejection reason is required")
	}
	return e.transitionVersion(ctx, versionID, func(tx store.Tx, v *store.Version) (string, string, error) {
		if err := transition("reject version", v, store.VersionRejected); err != nil {
			return "", "", err
		}
		v.RejectionReason = reason
		v.RequestedChanges = requestedChanges
		return store.ActionVersionRejected, reason, nil
	}, actor)
}

// transitionVersion is the shared read-mutate-audit loop for single-version
// status changes.
func (e *Engine) transitionVersion(ctx context.Context, versionID string, mutate func(tx store.Tx, v *store.Version) (action, notes string, err error), actor string) (store.Version, error) {
	var result store.Version
	var entries []store.AuditEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		v, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return mapStoreErr(err, "version", versionID)
		}
		before := v
		action, notes, err := mutate(tx, &v)
		if err != nil {
			return err
		}
		v.UpdatedAt = e.now().UTC()
		if err := tx.UpdateVersion(ctx, v); err != nil {
			return mapStoreErr(err, "version", versionID)
		}
		v.Revision++
		result = v

		entry, err := e.audit(ctx, tx, v.PhaseID, &versionID, action, actor, before, result, notes)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return store.Version{}, err
	}
	e.afterCommit(entries, nil)
	return result, nil
}

// GetVersion returns the phase's active version: the open draft/pending one
// if present, otherwise the approved one.
func (e *Engine) GetVersion(ctx context.Context, phaseID string) (store.Version, error) {
	if phaseID == "" {
		return store.Version{}, validationf("phase id is required")
	}
	v, err := e.store.ActiveVersion(ctx, phaseID)
	if err != nil {
		return store.Version{}, err
	}
	if v == nil {
		return store.Version{}, notFound("phase", phaseID)
	}
	return *v, nil
}

// GetItem returns one ledger row by subject.
func (e *Engine) GetItem(ctx context.Context, versionID, subjectRef string) (store.DecisionItem, error) {
	item, err := e.store.GetItemByRef(ctx, versionID, subjectRef)
	if err != nil {
		return store.DecisionItem{}, err
	}
	if item == nil {
		return store.DecisionItem{}, notFound("subject", subjectRef)
	}
	return *item, nil
}

// ListItems returns every ledger row of a version, ordered by subject.
func (e *Engine) ListItems(ctx context.Context, versionID string) ([]store.DecisionItem, error) {
	if _, err := e.store.GetVersionByID(ctx, versionID); err != nil {
		return nil, mapStoreErr(err, "version", versionID)
	}
	return e.store.ListVersionItems(ctx, versionID)
}

// GetStats returns the version's rollup, served from the cache when possible
// and recomputed from the ledger otherwise.
func (e *Engine) GetStats(ctx context.Context, versionID string) (store.Stats, error) {
	if e.cache != nil {
		cached, err := e.cache.Get(ctx, versionID)
		if err != nil {
			log.Printf("engine: stats cache read for %s: %v", versionID, err)
		} else if cached != nil {
			return *cached, nil
		}
	}

	if _, err := e.store.GetVersionByID(ctx, versionID); err != nil {
		return store.Stats{}, mapStoreErr(err, "version", versionID)
	}
	items, err := e.store.ListVersionItems(ctx, versionID)
	if err != nil {
		return store.Stats{}, err
	}
	stats := computeStats(items)

	if e.cache != nil {
		if err := e.cache.Put(ctx, versionID, stats); err != nil {
			log.Printf("engine: stats cache write for %s: %v", versionID, err)
		}
	}
	return stats, nil
}

// ListAuditTrail returns the phase's audit entries ascending by time.
func (e *Engine) ListAuditTrail(ctx context.Context, phaseID string, filter store.AuditFilter) ([]store.AuditEntry, error) {
	if phaseID == "" {
		return nil, validationf("phase id is required")
	}
	return e.store.ListAuditTrail(ctx, phaseID, filter)
}

// PurgePhase is the single cascading-delete entry point: it removes the
// phase's versions and their ledger items. The audit trail survives, with a
// final entry recording the purge.
func (e *Engine) PurgePhase(ctx context.Context, phaseID, actor string) error {
	if phaseID == "" {
		return validationf("phase id is required")
	}
	if actor == "" {
		return validationf("actor is required")
	}

	var purgedVersions []string
	var entries []store.AuditEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		versions, err := tx.ListPhaseVersions(ctx, phaseID)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return notFound("phase", phaseID)
		}
		for _, v := range versions {
			purgedVersions = append(purgedVersions, v.ID)
		}

		deletedVersions, deletedItems, err := tx.DeletePhase(ctx, phaseID)
		if err != nil {
			return err
		}

		entry, err := e.audit(ctx, tx, phaseID, nil, store.ActionPhasePurged, actor, nil, nil,
			fmt.Sprintf("purged %d versions and %d items", deletedVersions, deletedItems))
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return err
	}
	for _, versionID := range purgedVersions {
		e.invalidateStats(ctx, versionID)
	}
	e.afterCommit(entries, nil)
	return nil
}
