package store

import "context"

// Tx is the set of row operations available inside one ledger transaction.
// Implementations must serialize concurrent writers: updates are guarded by
// per-row revision counters (ErrStale on a lost race) and inserts by
// uniqueness constraints (ErrDuplicate).
type Tx interface {
	GetVersion(ctx context.Context, versionID string) (Version, error)
	OpenVersion(ctx context.Context, phaseID string) (*Version, error)
	ApprovedVersion(ctx context.Context, phaseID string) (*Version, error)
	LatestVersion(ctx context.Context, phaseID string) (*Version, error)
	InsertVersion(ctx context.Context, v Version) error
	UpdateVersion(ctx context.Context, v Version) error

	ListPhaseVersions(ctx context.Context, phaseID string) ([]Version, error)

	GetItem(ctx context.Context, versionID, subjectRef string) (*DecisionItem, error)
	ListItems(ctx context.Context, versionID string) ([]DecisionItem, error)
	CountItems(ctx context.Context, versionID string) (int, error)
	InsertItem(ctx context.Context, item DecisionItem) error
	UpdateItem(ctx context.Context, item DecisionItem) error

	AppendAudit(ctx context.Context, entry AuditEntry) (int64, error)
	DeletePhase(ctx context.Context, phaseID string) (versions int, items int, err error)
}

// Store is the persistence boundary of the engine. WithTx spans one atomic
// mutation (read, validate, mutate, audit append, commit); the remaining
// methods read a consistent committed snapshot.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetVersionByID(ctx context.Context, versionID string) (Version, error)
	ActiveVersion(ctx context.Context, phaseID string) (*Version, error)
	ListVersions(ctx context.Context, phaseID string) ([]Version, error)
	GetItemByRef(ctx context.Context, versionID, subjectRef string) (*DecisionItem, error)
	ListVersionItems(ctx context.Context, versionID string) ([]DecisionItem, error)
	ListAuditTrail(ctx context.Context, phaseID string, filter AuditFilter) ([]AuditEntry, error)
}
