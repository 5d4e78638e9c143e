package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists versions, ledger items and the audit trail. Mutating
// operations run through WithTx in a serializable transaction; the schema
// backs the engine's invariants with unique constraints (one open and one
// approved version per phase, one item per (version, subject)).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PostgresTx exposes the row operations available inside one transaction.
type PostgresTx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a serializable transaction. Serialization failures
// surface as ErrStale so callers can retry.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrStale, pgErr.Message)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const versionColumns = `
	id, phase_id, version_number, status, parent_version_id, notes, created_by,
	submitted_by, submitted_at, approved_by, approved_at,
	rejection_reason, requested_changes, revision, created_at, updated_at
`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var v Version
	err := row.Scan(
		&v.ID, &v.PhaseID, &v.VersionNumber, &v.Status, &v.ParentVersionID,
		&v.Notes, &v.CreatedBy, &v.SubmittedBy, &v.SubmittedAt, &v.ApprovedBy,
		&v.ApprovedAt, &v.RejectionReason, &v.RequestedChanges, &v.Revision,
		&v.CreatedAt, &v.UpdatedAt,
	)
	return v, err
}

func getVersion(ctx context.Context, q querier, versionID string, forUpdate bool) (Version, error) {
	query := `SELECT ` + versionColumns + ` FROM ledger_versions WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	v, err := scanVersion(q.QueryRowContext(ctx, query, versionID))
	if err != nil {
		return Version{}, mapPgError(fmt.Errorf("get version: %w", err))
	}
	return v, nil
}

func getPhaseVersion(ctx context.Context, q querier, phaseID, where string) (*Version, error) {
	query := `SELECT ` + versionColumns + ` FROM ledger_versions WHERE phase_id=$1 AND ` + where +
		` ORDER BY version_number DESC LIMIT 1`
	v, err := scanVersion(q.QueryRowContext(ctx, query, phaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get phase version: %w", err)
	}
	return &v, nil
}

func listPhaseVersions(ctx context.Context, q querier, phaseID string) ([]Version, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM ledger_versions
		WHERE phase_id=$1
		ORDER BY version_number ASC
	`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list phase versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

const itemColumns = `
	id, version_id, subject_ref, recommendation, primary_decision,
	secondary_decision, final_status, revision, created_at, updated_at
`

func scanItem(row interface{ Scan(...any) error }) (DecisionItem, error) {
	var item DecisionItem
	var rec, primary, secondary []byte
	err := row.Scan(
		&item.ID, &item.VersionID, &item.SubjectRef, &rec, &primary, &secondary,
		&item.FinalStatus, &item.Revision, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return DecisionItem{}, err
	}
	if len(rec) > 0 {
		if err := json.Unmarshal(rec, &item.Recommendation); err != nil {
			return DecisionItem{}, fmt.Errorf("decode recommendation: %w", err)
		}
	}
	if len(primary) > 0 {
		if err := json.Unmarshal(primary, &item.Primary); err != nil {
			return DecisionItem{}, fmt.Errorf("decode primary decision: %w", err)
		}
	}
	if len(secondary) > 0 {
		if err := json.Unmarshal(secondary, &item.Secondary); err != nil {
			return DecisionItem{}, fmt.Errorf("decode secondary decision: %w", err)
		}
	}
	return item, nil
}

func encodeDecisionJSON(rec *Recommendation, primary, secondary *Decision) (recRaw, primaryRaw, secondaryRaw any, err error) {
	if rec != nil {
		if recRaw, err = json.Marshal(rec); err != nil {
			return nil, nil, nil, fmt.Errorf("encode recommendation: %w", err)
		}
	}
	if primary != nil {
		if primaryRaw, err = json.Marshal(primary); err != nil {
			return nil, nil, nil, fmt.Errorf("encode primary decision: %w", err)
		}
	}
	if secondary != nil {
		if secondaryRaw, err = json.Marshal(secondary); err != nil {
			return nil, nil, nil, fmt.Errorf("encode secondary decision: %w", err)
		}
	}
	return recRaw, primaryRaw, secondaryRaw, nil
}

func listItems(ctx context.Context, q querier, versionID string) ([]DecisionItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM ledger_items
		WHERE version_id=$1
		ORDER BY subject_ref ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]DecisionItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func getItem(ctx context.Context, q querier, versionID, subjectRef string, forUpdate bool) (*DecisionItem, error) {
	query := `SELECT ` + itemColumns + ` FROM ledger_items WHERE version_id=$1 AND subject_ref=$2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	item, err := scanItem(q.QueryRowContext(ctx, query, versionID, subjectRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

// ---- transactional writes ----

func (t *PostgresTx) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return getVersion(ctx, t.tx, versionID, true)
}

func (t *PostgresTx) OpenVersion(ctx context.Context, phaseID string) (*Version, error) {
	return getPhaseVersion(ctx, t.tx, phaseID, `status IN ('DRAFT', 'PENDING')`)
}

func (t *PostgresTx) ApprovedVersion(ctx context.Context, phaseID string) (*Version, error) {
	return getPhaseVersion(ctx, t.tx, phaseID, `status='APPROVED'`)
}

func (t *PostgresTx) LatestVersion(ctx context.Context, phaseID string) (*Version, error) {
	return getPhaseVersion(ctx, t.tx, phaseID, `TRUE`)
}

func (t *PostgresTx) ListPhaseVersions(ctx context.Context, phaseID string) ([]Version, error) {
	return listPhaseVersions(ctx, t.tx, phaseID)
}

func (t *PostgresTx) InsertVersion(ctx context.Context, v Version) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_versions (
			id, phase_id, version_number, status, parent_version_id, notes,
			created_by, revision, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, v.ID, v.PhaseID, v.VersionNumber, v.Status, v.ParentVersionID, v.Notes,
		v.CreatedBy, v.Revision, v.CreatedAt)
	if err != nil {
		return mapPgError(fmt.Errorf("insert version: %w", err))
	}
	return nil
}

// UpdateVersion writes the mutable version fields guarded by the revision
// counter. ErrStale when another writer got there first.
func (t *PostgresTx) UpdateVersion(ctx context.Context, v Version) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_versions
		SET status=$2, notes=$3, submitted_by=$4, submitted_at=$5,
			approved_by=$6, approved_at=$7, rejection_reason=$8,
			requested_changes=$9, revision=revision+1, updated_at=$10
		WHERE id=$1 AND revision=$11
	`, v.ID, v.Status, v.Notes, v.SubmittedBy, v.SubmittedAt, v.ApprovedBy,
		v.ApprovedAt, v.RejectionReason, v.RequestedChanges, v.UpdatedAt, v.Revision)
	if err != nil {
		return mapPgError(fmt.Errorf("update version: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update version rows: %w", err)
	}
	if affected == 0 {
		if _, err := getVersion(ctx, t.tx, v.ID, false); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

func (t *PostgresTx) GetItem(ctx context.Context, versionID, subjectRef string) (*DecisionItem, error) {
	return getItem(ctx, t.tx, versionID, subjectRef, true)
}

func (t *PostgresTx) ListItems(ctx context.Context, versionID string) ([]DecisionItem, error) {
	return listItems(ctx, t.tx, versionID)
}

func (t *PostgresTx) CountItems(ctx context.Context, versionID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_items WHERE version_id=$1`, versionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

func (t *PostgresTx) InsertItem(ctx context.Context, item DecisionItem) error {
	rec, primary, secondary, err := encodeDecisionJSON(item.Recommendation, item.Primary, item.Secondary)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_items (
			id, version_id, subject_ref, recommendation, primary_decision,
			secondary_decision, final_status, revision, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, item.ID, item.VersionID, item.SubjectRef, rec, primary, secondary,
		item.FinalStatus, item.Revision, item.CreatedAt)
	if err != nil {
		return mapPgError(fmt.Errorf("insert item: %w", err))
	}
	return nil
}

// UpdateItem rewrites the decision slots guarded by the revision counter.
func (t *PostgresTx) UpdateItem(ctx context.Context, item DecisionItem) error {
	rec, primary, secondary, err := encodeDecisionJSON(item.Recommendation, item.Primary, item.Secondary)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET recommendation=$2, primary_decision=$3, secondary_decision=$4,
			final_status=$5, revision=revision+1, updated_at=$6
		WHERE id=$1 AND revision=$7
	`, item.ID, rec, primary, secondary, item.FinalStatus, item.UpdatedAt, item.Revision)
	if err != nil {
		return mapPgError(fmt.Errorf("update item: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item rows: %w", err)
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (t *PostgresTx) AppendAudit(ctx context.Context, entry AuditEntry) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (phase_id, version_id, action, actor, before_state, after_state, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, entry.PhaseID, entry.VersionID, entry.Action, entry.Actor,
		nullableJSON(entry.Before), nullableJSON(entry.After), entry.Notes, entry.CreatedAt).Scan(&id)
	if err != nil {
		return 0, mapPgError(fmt.Errorf("append audit: %w", err))
	}
	return id, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// DeletePhase removes every version and ledger item of a phase. The audit
// trail is intentionally left untouched.
func (t *PostgresTx) DeletePhase(ctx context.Context, phaseID string) (versions int, items int, err error) {
	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM ledger_items
		WHERE version_id IN (SELECT id FROM ledger_versions WHERE phase_id=$1)
	`, phaseID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete phase items: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("delete phase items rows: %w", err)
	}
	items = int(affected)

	result, err = t.tx.ExecContext(ctx, `DELETE FROM ledger_versions WHERE phase_id=$1`, phaseID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete phase versions: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("delete phase versions rows: %w", err)
	}
	versions = int(affected)
	return versions, items, nil
}

// ---- committed-snapshot reads ----

func (s *PostgresStore) GetVersionByID(ctx context.Context, versionID string) (Version, error) {
	return getVersion(ctx, s.db, versionID, false)
}

// ActiveVersion returns the phase's open version if one exists, otherwise the
// approved one.
func (s *PostgresStore) ActiveVersion(ctx context.Context, phaseID string) (*Version, error) {
	open, err := getPhaseVersion(ctx, s.db, phaseID, `status IN ('DRAFT', 'PENDING')`)
	if err != nil || open != nil {
		return open, err
	}
	return getPhaseVersion(ctx, s.db, phaseID, `status='APPROVED'`)
}

func (s *PostgresStore) ListVersions(ctx context.Context, phaseID string) ([]Version, error) {
	return listPhaseVersions(ctx, s.db, phaseID)
}

func (s *PostgresStore) GetItemByRef(ctx context.Context, versionID, subjectRef string) (*DecisionItem, error) {
	return getItem(ctx, s.db, versionID, subjectRef, false)
}

func (s *PostgresStore) ListVersionItems(ctx context.Context, versionID string) ([]DecisionItem, error) {
	return listItems(ctx, s.db, versionID)
}

func (s *PostgresStore) ListAuditTrail(ctx context.Context, phaseID string, filter AuditFilter) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phase_id, version_id, action, actor,
			COALESCE(before_state::text, ''), COALESCE(after_state::text, ''), notes, created_at
		FROM audit_log
		WHERE phase_id=$1
		  AND ($2='' OR action=$2)
		  AND ($3='' OR actor=$3)
		  AND ($4='' OR version_id=$4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		ORDER BY created_at ASC, id ASC
		LIMIT $6
	`, phaseID, filter.Action, filter.Actor, filter.VersionID, nullableTime(filter.Since), nullableLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var before, after string
		if err := rows.Scan(&entry.ID, &entry.PhaseID, &entry.VersionID, &entry.Action,
			&entry.Actor, &before, &after, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if before != "" {
			entry.Before = json.RawMessage(before)
		}
		if after != "" {
			entry.After = json.RawMessage(after)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit trail: %w", err)
	}
	return entries, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullableLimit maps a non-positive limit to SQL NULL, which Postgres treats
// as LIMIT ALL.
func nullableLimit(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
