package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// TestAuditLogImmutabilityBlocksUpdate verifies that UPDATE operations on
// audit_log are blocked by the database trigger with a hard failure.
func TestAuditLogImmutabilityBlocksUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, testDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	var exists bool
	err = db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM information_schema.triggers
		WHERE trigger_name = 'trg_audit_log_block_update')
	`).Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("immutability trigger not found; migration 0002 may not be applied: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (phase_id, action, actor, notes)
		VALUES ('phase-test-update', 'VERSION_CREATED', 'test-user', 'test entry')
	`)
	if err != nil {
		t.Fatalf("insert audit entry: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE audit_log
		SET notes = 'rewritten history'
		WHERE phase_id = 'phase-test-update'
	`)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "audit_log is immutable; UPDATE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}

	// Row triggers do not fire on TRUNCATE, so cleanup is possible.
	_, _ = db.ExecContext(ctx, `TRUNCATE audit_log`)
}

// TestAuditLogImmutabilityBlocksDelete verifies that DELETE operations on
// audit_log are blocked by the database trigger with a hard failure.
func TestAuditLogImmutabilityBlocksDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, testDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (phase_id, action, actor, notes)
		VALUES ('phase-test-delete', 'VERSION_CREATED', 'test-user', 'test entry')
	`)
	if err != nil {
		t.Fatalf("insert audit entry: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM audit_log
		WHERE phase_id = 'phase-test-delete'
	`)
	if err == nil {
		t.Fatal("expected DELETE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "audit_log is immutable; DELETE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}

	_, _ = db.ExecContext(ctx, `TRUNCATE audit_log`)
}

// TestAuditLogInsertStillWorks verifies that INSERT operations on audit_log
// continue to work normally under the triggers.
func TestAuditLogInsertStillWorks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, testDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (phase_id, version_id, action, actor, after_state, notes)
		VALUES ('phase-test-insert', 'ver-test', 'VERSION_CREATED', 'test-user', '{"id":"ver-test"}'::jsonb, 'test entry')
	`)
	if err != nil {
		t.Fatalf("insert audit entry should succeed: %v", err)
	}

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE phase_id = 'phase-test-insert'`).Scan(&count)
	if err != nil {
		t.Fatalf("query audit log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit entry, got %d", count)
	}

	_, _ = db.ExecContext(ctx, `TRUNCATE audit_log`)
}

// testDatabaseURL returns the database URL for integration tests, preferring
// TEST_DATABASE_URL and falling back to standard Postgres environment
// variables for CI.
func testDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := envOr("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "verdict")
	pass := envOr("POSTGRES_PASSWORD", "verdict")
	dbname := envOr("POSTGRES_DB", "verdict_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
