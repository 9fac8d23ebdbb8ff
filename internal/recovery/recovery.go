// Package recovery scans the WAL directory at process startup for entries
// left behind by interrupted transactions and drives their rollback. The
// pass is bounded and advisory: whatever happens here, startup proceeds.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/raido/internal/txn"
	"github.com/starford/raido/internal/wal"
)

const (
	// LockStaleAfter is how old a recovery lock may be before another
	// process treats it as abandoned and takes it over.
	LockStaleAfter = 2 * time.Minute
	// Budget caps one recovery pass. Entries left over wait for the next
	// boot.
	Budget = 5 * time.Second

	lockFileName = "recovery.lock"
)

// Report summarises one recovery pass.
type Report struct {
	Scanned    int
	RolledBack int
	Partial    int
	Failed     int
	Skipped    int
	TimedOut   bool
	LockHeld   bool // another process was already recovering
}

type lockRecord struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Recover finds orphaned WAL entries and rolls their transactions back.
// It never returns an error: every outcome is recorded in the report and
// logged, and the caller's startup continues regardless.
func Recover(ctx context.Context, store *wal.Store, mgr *txn.Manager, vaultPath string, logger *slog.Logger) *Report {
	report := &Report{}
	start := time.Now()

	release, ok := acquireLock(store.Dir(), logger)
	if !ok {
		report.LockHeld = true
		logger.Info("recovery: another pass is in progress, skipping")
		return report
	}
	defer release()

	pending, err := store.ScanPending()
	if err != nil {
		logger.Warn("recovery: wal scan failed", slog.String("error", err.Error()))
		return report
	}
	if len(pending) == 0 {
		return report
	}
	logger.Info("recovery: found orphaned transactions", slog.Int("count", len(pending)))

	absVault, err := filepath.Abs(vaultPath)
	if err != nil {
		absVault = vaultPath
	}

	for _, p := range pending {
		if ctx.Err() != nil || time.Since(start) > Budget {
			report.TimedOut = true
			logger.Warn("recovery: time budget exceeded, remaining entries deferred",
				slog.Int("remaining", len(pending)-report.Scanned))
			break
		}
		report.Scanned++

		if reason := validateEntry(p.Entry, absVault); reason != "" {
			report.Skipped++
			logger.Warn("recovery: entry skipped",
				slog.String("status", "~ skipped"),
				slog.String("correlation_id", p.Entry.CorrelationID),
				slog.String("wal", p.Path),
				slog.String("reason", reason))
			continue
		}

		rb := mgr.Rollback(&p.Entry.Manifest, p.Path)
		switch {
		case rb.Success:
			if err := store.Delete(p.Path); err != nil {
				logger.Warn("recovery: wal delete failed",
					slog.String("wal", p.Path), slog.String("error", err.Error()))
			}
			report.RolledBack++
			logger.Info("recovery: transaction rolled back",
				slog.String("status", "+ success"),
				slog.String("correlation_id", p.Entry.CorrelationID),
				slog.Int("operations", len(rb.RolledBack)))
		case rb.PartialRecovery:
			report.Partial++
			logger.Warn("recovery: partial rollback, wal preserved",
				slog.String("status", "~ partial"),
				slog.String("correlation_id", p.Entry.CorrelationID),
				slog.String("wal", p.Path),
				slog.Int("restored", len(rb.RolledBack)),
				slog.Int("failed", len(rb.Failures)))
		default:
			report.Failed++
			logger.Error("recovery: rollback failed, wal preserved",
				slog.String("status", "x failed"),
				slog.String("correlation_id", p.Entry.CorrelationID),
				slog.String("wal", p.Path),
				slog.Int("failed", len(rb.Failures)))
		}
	}

	logger.Info("recovery: pass complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("rolled_back", report.RolledBack),
		slog.Int("partial", report.Partial),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Bool("timed_out", report.TimedOut),
		slog.Duration("elapsed", time.Since(start)))
	return report
}

// validateEntry guards against acting on a WAL left over from a different
// or relocated vault. Returns a human-readable reason to skip, or "".
func validateEntry(e *wal.Entry, absVault string) string {
	entryVault, err := filepath.Abs(e.VaultPath)
	if err != nil || entryVault != absVault {
		return fmt.Sprintf("vault path mismatch: entry has %q, configured %q", e.VaultPath, absVault)
	}
	paths := []string{e.Manifest.NoteRename.From, e.Manifest.NoteRename.To}
	for _, lu := range e.Manifest.LinkUpdates {
		paths = append(paths, lu.Path)
	}
	for _, p := range paths {
		if !withinVault(p, absVault) {
			return fmt.Sprintf("manifest path outside vault: %s", p)
		}
	}
	return ""
}

func withinVault(path, vault string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == vault || strings.HasPrefix(abs, vault+string(os.PathSeparator))
}

// acquireLock serializes recovery passes across process instances via a
// lock file in the WAL directory. A lock older than LockStaleAfter is
// treated as abandoned and taken over.
func acquireLock(dir string, logger *slog.Logger) (release func(), ok bool) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("recovery: create wal dir failed", slog.String("error", err.Error()))
		return nil, false
	}
	lockPath := filepath.Join(dir, lockFileName)

	if data, err := os.ReadFile(lockPath); err == nil {
		var rec lockRecord
		if json.Unmarshal(data, &rec) == nil && time.Since(rec.Timestamp) < LockStaleAfter {
			return nil, false
		}
		logger.Warn("recovery: taking over stale lock",
			slog.Int("holder_pid", rec.PID),
			slog.Time("held_since", rec.Timestamp))
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("recovery: read lock failed", slog.String("error", err.Error()))
		return nil, false
	}

	rec := lockRecord{PID: os.Getpid(), Timestamp: time.Now()}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		logger.Warn("recovery: write lock failed", slog.String("error", err.Error()))
		return nil, false
	}
	return func() { _ = os.Remove(lockPath) }, true
}
