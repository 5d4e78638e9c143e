package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a mutex-serialized Store used by tests and by callers that
// embed the engine without Postgres. WithTx stages all writes on a copy and
// commits only when fn succeeds, matching the transactional behavior of
// PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	versions    map[string]Version
	items       map[string]map[string]DecisionItem
	audit       []AuditEntry
	nextAuditID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:    make(map[string]Version),
		items:       make(map[string]map[string]DecisionItem),
		nextAuditID: 1,
	}
}

func cloneVersion(v Version) Version {
	out := v
	if v.ParentVersionID != nil {
		parent := *v.ParentVersionID
		out.ParentVersionID = &parent
	}
	if v.SubmittedAt != nil {
		t := *v.SubmittedAt
		out.SubmittedAt = &t
	}
	if v.ApprovedAt != nil {
		t := *v.ApprovedAt
		out.ApprovedAt = &t
	}
	return out
}

func cloneItem(item DecisionItem) DecisionItem {
	out := item
	if item.Recommendation != nil {
		rec := *item.Recommendation
		out.Recommendation = &rec
	}
	if item.Primary != nil {
		d := *item.Primary
		out.Primary = &d
	}
	if item.Secondary != nil {
		d := *item.Secondary
		out.Secondary = &d
	}
	return out
}

type memTx struct {
	versions    map[string]Version
	items       map[string]map[string]DecisionItem
	audit       []AuditEntry
	nextAuditID int64
}

func (s *MemoryStore) stage() *memTx {
	tx := &memTx{
		versions:    make(map[string]Version, len(s.versions)),
		items:       make(map[string]map[string]DecisionItem, len(s.items)),
		audit:       append([]AuditEntry(nil), s.audit...),
		nextAuditID: s.nextAuditID,
	}
	for id, v := range s.versions {
		tx.versions[id] = cloneVersion(v)
	}
	for versionID, byRef := range s.items {
		staged := make(map[string]DecisionItem, len(byRef))
		for ref, item := range byRef {
			staged[ref] = cloneItem(item)
		}
		tx.items[versionID] = staged
	}
	return tx
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.stage()
	if err := fn(tx); err != nil {
		return err
	}
	s.versions = tx.versions
	s.items = tx.items
	s.audit = tx.audit
	s.nextAuditID = tx.nextAuditID
	return nil
}

func (t *memTx) GetVersion(ctx context.Context, versionID string) (Version, error) {
	v, ok := t.versions[versionID]
	if !ok {
		return Version{}, ErrNotFound
	}
	return cloneVersion(v), nil
}

func (t *memTx) phaseVersion(phaseID string, match func(Version) bool) *Version {
	var found *Version
	for _, v := range t.versions {
		if v.PhaseID != phaseID || !match(v) {
			continue
		}
		if found == nil || v.VersionNumber > found.VersionNumber {
			matched := cloneVersion(v)
			found = &matched
		}
	}
	return found
}

func (t *memTx) OpenVersion(ctx context.Context, phaseID string) (*Version, error) {
	return t.phaseVersion(phaseID, Version.Open), nil
}

func (t *memTx) ApprovedVersion(ctx context.Context, phaseID string) (*Version, error) {
	return t.phaseVersion(phaseID, func(v Version) bool { return v.Status == VersionApproved }), nil
}

func (t *memTx) LatestVersion(ctx context.Context, phaseID string) (*Version, error) {
	return t.phaseVersion(phaseID, func(Version) bool { return true }), nil
}

func (t *memTx) ListPhaseVersions(ctx context.Context, phaseID string) ([]Version, error) {
	versions := make([]Version, 0)
	for _, v := range t.versions {
		if v.PhaseID == phaseID {
			versions = append(versions, cloneVersion(v))
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].VersionNumber < versions[j].VersionNumber })
	return versions, nil
}

func (t *memTx) InsertVersion(ctx context.Context, v Version) error {
	if _, ok := t.versions[v.ID]; ok {
		return fmt.Errorf("%w: version id", ErrDuplicate)
	}
	for _, existing := range t.versions {
		if existing.PhaseID != v.PhaseID {
			continue
		}
		if existing.VersionNumber == v.VersionNumber {
			return fmt.Errorf("%w: phase version number", ErrDuplicate)
		}
		if existing.Open() && v.Open() {
			return fmt.Errorf("%w: open version per phase", ErrDuplicate)
		}
	}
	t.versions[v.ID] = cloneVersion(v)
	return nil
}

func (t *memTx) UpdateVersion(ctx context.Context, v Version) error {
	current, ok := t.versions[v.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Revision != v.Revision {
		return ErrStale
	}
	if v.Status == VersionApproved {
		for _, existing := range t.versions {
			if existing.PhaseID == v.PhaseID && existing.ID != v.ID && existing.Status == VersionApproved {
				return fmt.Errorf("%w: approved version per phase", ErrDuplicate)
			}
		}
	}
	next := cloneVersion(v)
	next.Revision = current.Revision + 1
	t.versions[v.ID] = next
	return nil
}

func (t *memTx) GetItem(ctx context.Context, versionID, subjectRef string) (*DecisionItem, error) {
	byRef, ok := t.items[versionID]
	if !ok {
		return nil, nil
	}
	item, ok := byRef[subjectRef]
	if !ok {
		return nil, nil
	}
	cloned := cloneItem(item)
	return &cloned, nil
}

func (t *memTx) ListItems(ctx context.Context, versionID string) ([]DecisionItem, error) {
	byRef := t.items[versionID]
	items := make([]DecisionItem, 0, len(byRef))
	for _, item := range byRef {
		items = append(items, cloneItem(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SubjectRef < items[j].SubjectRef })
	return items, nil
}

func (t *memTx) CountItems(ctx context.Context, versionID string) (int, error) {
	return len(t.items[versionID]), nil
}

func (t *memTx) InsertItem(ctx context.Context, item DecisionItem) error {
	byRef := t.items[item.VersionID]
	if byRef == nil {
		byRef = make(map[string]DecisionItem)
		t.items[item.VersionID] = byRef
	}
	if _, ok := byRef[item.SubjectRef]; ok {
		return fmt.Errorf("%w: item per (version, subject)", ErrDuplicate)
	}
	byRef[item.SubjectRef] = cloneItem(item)
	return nil
}

func (t *memTx) UpdateItem(ctx context.Context, item DecisionItem) error {
	byRef, ok := t.items[item.VersionID]
	if !ok {
		return ErrNotFound
	}
	current, ok := byRef[item.SubjectRef]
	if !ok {
		return ErrNotFound
	}
	if current.Revision != item.Revision {
		return ErrStale
	}
	next := cloneItem(item)
	next.Revision = current.Revision + 1
	byRef[item.SubjectRef] = next
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry AuditEntry) (int64, error) {
	entry.ID = t.nextAuditID
	t.nextAuditID++
	t.audit = append(t.audit, entry)
	return entry.ID, nil
}

func (t *memTx) DeletePhase(ctx context.Context, phaseID string) (int, int, error) {
	versions, items := 0, 0
	for id, v := range t.versions {
		if v.PhaseID != phaseID {
			continue
		}
		items += len(t.items[id])
		delete(t.items, id)
		delete(t.versions, id)
		versions++
	}
	return versions, items, nil
}

// ---- committed-snapshot reads ----

func (s *MemoryStore) GetVersionByID(ctx context.Context, versionID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return Version{}, ErrNotFound
	}
	return cloneVersion(v), nil
}

func (s *MemoryStore) ActiveVersion(ctx context.Context, phaseID string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{versions: s.versions}
	if open := tx.phaseVersion(phaseID, Version.Open); open != nil {
		return open, nil
	}
	return tx.phaseVersion(phaseID, func(v Version) bool { return v.Status == VersionApproved }), nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, phaseID string) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{versions: s.versions}
	return tx.ListPhaseVersions(ctx, phaseID)
}

func (s *MemoryStore) GetItemByRef(ctx context.Context, versionID, subjectRef string) (*DecisionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRef, ok := s.items[versionID]
	if !ok {
		return nil, nil
	}
	item, ok := byRef[subjectRef]
	if !ok {
		return nil, nil
	}
	cloned := cloneItem(item)
	return &cloned, nil
}

func (s *MemoryStore) ListVersionItems(ctx context.Context, versionID string) ([]DecisionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{items: s.items}
	return tx.ListItems(ctx, versionID)
}

func (s *MemoryStore) ListAuditTrail(ctx context.Context, phaseID string, filter AuditFilter) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]AuditEntry, 0)
	for _, entry := range s.audit {
		if entry.PhaseID != phaseID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}
		if filter.VersionID != "" && (entry.VersionID == nil || *entry.VersionID != filter.VersionID) {
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}
