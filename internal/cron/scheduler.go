// Package cron schedules the periodic sweeps a long-running govctl daemon
// needs: expiring capability grants, reaping stale external calls, and
// archiving the store directory to a backup tarball.
package cron

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/govctl/internal/persistence"
)

// Config holds the dependencies and cadence for the scheduled sweeps.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// HomeDir is the store directory backed up on BackupInterval. Backups
	// are skipped entirely when empty.
	HomeDir string

	// ExtCallStaleAfter is how long an authorized-but-never-started ext
	// call sits before being marked timeout. Defaults to 10 minutes.
	ExtCallStaleAfter time.Duration

	// BackupInterval is how often the home directory is archived.
	// Defaults to 24h.
	BackupInterval time.Duration
}

// Scheduler runs the capability-expiry sweep, the stale-ext-call sweep, and
// the backup tarball job on independent cron schedules.
type Scheduler struct {
	cron       *cronlib.Cron
	store      *persistence.Store
	logger     *slog.Logger
	homeDir    string
	staleAfter time.Duration
}

// NewScheduler builds a Scheduler and registers its jobs. Call Start to
// begin running them.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleAfter := cfg.ExtCallStaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	backupInterval := cfg.BackupInterval
	if backupInterval <= 0 {
		backupInterval = 24 * time.Hour
	}

	s := &Scheduler{
		cron:       cronlib.New(),
		store:      cfg.Store,
		logger:     logger,
		homeDir:    cfg.HomeDir,
		staleAfter: staleAfter,
	}

	if _, err := s.cron.AddFunc("*/5 * * * *", s.sweepExtCalls); err != nil {
		logger.Error("cron: failed to register ext-call sweep", "error", err)
	}
	if _, err := s.cron.AddFunc("@hourly", s.sweepCapabilities); err != nil {
		logger.Error("cron: failed to register capability sweep", "error", err)
	}
	if s.homeDir != "" {
		spec := fmt.Sprintf("@every %s", backupInterval)
		if _, err := s.cron.AddFunc(spec, s.runBackup); err != nil {
			logger.Error("cron: failed to register backup job", "error", err)
		}
	}

	return s
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started")
}

// Stop waits for any running job to finish, then returns.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) sweepExtCalls() {
	n, err := s.store.SweepStaleExtCalls(context.Background(), s.staleAfter)
	if err != nil {
		s.logger.Error("cron: sweep stale ext calls failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("cron: swept stale ext calls", "count", n)
	}
}

func (s *Scheduler) sweepCapabilities() {
	n, err := s.store.ExpireCapabilities(context.Background())
	if err != nil {
		s.logger.Error("cron: expire capabilities failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("cron: expired capabilities", "count", n)
	}
}

func (s *Scheduler) runBackup() {
	path, err := Backup(s.homeDir)
	if err != nil {
		s.logger.Error("cron: backup failed", "error", err)
		return
	}
	s.logger.Info("cron: backup complete", "path", path)
}

// Backup archives homeDir into a UTC-timestamped gzip tarball under
// homeDir/backups, per spec: "a single compressed tarball with a
// UTC-timestamped filename". Prior backup archives are excluded from the
// new archive so backups never nest inside each other.
func Backup(homeDir string) (string, error) {
	if homeDir == "" {
		return "", fmt.Errorf("cron: backup: empty home dir")
	}
	backupDir := filepath.Join(homeDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("cron: backup: mkdir: %w", err)
	}

	name := fmt.Sprintf("govctl-backup-%s.tar.gz", time.Now().UTC().Format("20060102T150405Z"))
	dest := filepath.Join(backupDir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("cron: backup: create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(homeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == backupDir || strings.HasPrefix(path, backupDir+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(homeDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if closeErr := tw.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if closeErr := gz.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if walkErr != nil {
		os.Remove(dest)
		return "", fmt.Errorf("cron: backup: %w", walkErr)
	}
	return dest, nil
}
