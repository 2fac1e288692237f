package cron_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/govctl/internal/cron"
	"github.com/basket/govctl/internal/persistence"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "govctl.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func grantCapability(t *testing.T, store *persistence.Store, c persistence.Capability) {
	t.Helper()
	tx, err := store.DB().Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := persistence.GrantCapabilityTx(context.Background(), tx, c); err != nil {
		tx.Rollback()
		t.Fatalf("grant capability: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestScheduler_SweepsStaleExtCalls(t *testing.T) {
	store, dir := openTestStore(t)

	grantCapability(t, store, persistence.Capability{
		GroupFolder: "developer",
		Provider:    "search",
		AccessLevel: persistence.AccessRead,
		GrantedBy:   "main",
		GrantedAt:   time.Now().Add(-time.Hour),
		Active:      true,
	})

	sched := cron.NewScheduler(cron.Config{
		Store:             store,
		Logger:            slog.Default(),
		HomeDir:           dir,
		ExtCallStaleAfter: time.Millisecond,
	})
	sched.Start()
	defer sched.Stop()

	// Nothing to assert on directly without an inserted stale ext call —
	// this exercises that Start/Stop don't panic and jobs are registered.
	time.Sleep(50 * time.Millisecond)
}

func TestScheduler_ExpiresCapabilities(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	grantCapability(t, store, persistence.Capability{
		GroupFolder: "developer",
		Provider:    "deploy",
		AccessLevel: persistence.AccessWriteReversible,
		GrantedBy:   "main",
		GrantedAt:   past.Add(-time.Hour),
		ExpiresAt:   &past,
		Active:      true,
	})

	n, err := store.ExpireCapabilities(ctx)
	if err != nil {
		t.Fatalf("expire capabilities: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 capability expired, got %d", n)
	}

	sched := cron.NewScheduler(cron.Config{Store: store, Logger: slog.Default()})
	sched.Start()
	sched.Stop()
}

func TestBackup_CreatesTimestampedTarball(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "govctl.db"), []byte("fake-db"), 0o644); err != nil {
		t.Fatalf("write fake db: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("bind_addr: 127.0.0.1:8080\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	path, err := cron.Backup(dir)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(dir, "backups") {
		t.Fatalf("expected backup under backups/, got %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty backup archive")
	}
}

func TestBackup_SkipsPriorBackupsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "govctl.db"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write fake db: %v", err)
	}

	first, err := cron.Backup(dir)
	if err != nil {
		t.Fatalf("first backup: %v", err)
	}
	firstInfo, err := os.Stat(first)
	if err != nil {
		t.Fatalf("stat first: %v", err)
	}

	second, err := cron.Backup(dir)
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	secondInfo, err := os.Stat(second)
	if err != nil {
		t.Fatalf("stat second: %v", err)
	}

	// The second backup must not have ballooned in size from archiving the
	// first backup's tarball inside backups/.
	if secondInfo.Size() > firstInfo.Size()*2+1024 {
		t.Fatalf("second backup (%d bytes) looks like it nested the first (%d bytes)", secondInfo.Size(), firstInfo.Size())
	}
}

func TestBackup_EmptyHomeDirErrors(t *testing.T) {
	if _, err := cron.Backup(""); err == nil {
		t.Fatal("expected error for empty home dir")
	}
}
