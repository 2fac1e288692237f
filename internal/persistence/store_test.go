package persistence_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/govctl/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "govctl.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 { // SQLite FULL == 2
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=on, got %d", foreignKeys)
	}

	required := []string{
		"schema_migrations", "products", "tasks", "activities", "approvals",
		"capabilities", "capability_approvals", "ext_calls", "notifications",
		"topics", "topic_messages", "audit_log",
	}
	for _, table := range required {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestOpen_MigrationLedgerHasChecksum(t *testing.T) {
	store := openTestStore(t)
	var version int
	var checksum string
	err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read migration ledger: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
}

func TestOpen_RejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "govctl.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.DB().Exec(`INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected reopen to fail on future schema version")
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "govctl.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected reopen to fail on checksum mismatch")
	}
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "govctl.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()
}
