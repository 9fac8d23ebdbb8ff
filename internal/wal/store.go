// Package wal persists write-ahead-log entries for rename transactions in a
// directory outside the vault, so that interrupted transactions can be
// detected and rolled back after a crash.
package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/raido/internal/fsio"
	"github.com/starford/raido/internal/models"
)

// SchemaVersion is the WAL record schema this build reads and writes.
const SchemaVersion = "1.0"

// OpRenameNote is the only operation currently recorded in the WAL.
const OpRenameNote = "rename_note"

// MinPendingAge is how old a WAL file must be before ScanPending will
// surface it. Younger files may belong to a transaction still in flight.
const MinPendingAge = time.Minute

var (
	// ErrNotFound is returned when a WAL file does not exist.
	ErrNotFound = errors.New("wal: entry not found")
	// ErrUnsupportedVersion is returned when a WAL record carries a schema
	// version this build does not understand. Deliberate guard: a newer
	// build's record must not be half-parsed by an older one.
	ErrUnsupportedVersion = errors.New("wal: unsupported schema version")
)

// Entry is the durable on-disk projection of a transaction's state. Its
// manifest is always a complete snapshot sufficient to drive rollback
// without consulting anything else.
type Entry struct {
	Version       string          `json:"version"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	VaultPath     string          `json:"vaultPath"`
	Phase         models.Phase    `json:"phase"`
	Operation     string          `json:"operation"`
	Manifest      models.Manifest `json:"manifest"`
	PID           int             `json:"pid"`
}

// Store reads and writes WAL entries under a single directory. The
// directory is injected configuration; it is created lazily on first write.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a Store rooted at dir. Nothing touches the
// filesystem until the first Write.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Dir returns the WAL directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Write validates and persists an entry, returning the path of the WAL file.
func (s *Store) Write(e *Entry) (string, error) {
	id, err := uuid.Parse(e.CorrelationID)
	if err != nil || id.Version() != 4 {
		return "", fmt.Errorf("wal: correlation id %q is not a UUID v4", e.CorrelationID)
	}
	if !e.Phase.Valid() {
		return "", fmt.Errorf("wal: invalid phase %q", e.Phase)
	}
	if err := s.ensureDir(); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("wal: marshal entry: %w", err)
	}

	// Colons in the RFC 3339 timestamp are illegal in some filesystems.
	ts := strings.ReplaceAll(e.Timestamp.UTC().Format(time.RFC3339), ":", "-")
	path := filepath.Join(s.dir, fmt.Sprintf("%s-rename-%s.wal.json", ts, e.CorrelationID))
	if err := fsio.WriteAtomic(path, data); err != nil {
		return "", fmt.Errorf("wal: write entry: %w", err)
	}
	return path, nil
}

// Read loads and validates the entry stored at path.
func (s *Store) Read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("wal: read %s: %w", path, err)
	}

	// Probe the schema version before parsing the full record.
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wal: parse %s: %w", path, err)
	}
	if probe.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %q (supported: %q)", ErrUnsupportedVersion, probe.Version, SchemaVersion)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wal: parse %s: %w", path, err)
	}
	return &e, nil
}

// Delete removes a WAL file. Idempotent: a missing file is not an error.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("wal: delete %s: %w", path, err)
	}
	return nil
}

// Pending pairs a parsed entry with the WAL file it came from.
type Pending struct {
	Path  string
	Entry *Entry
}

// ScanPending lists every WAL file older than MinPendingAge. Files that fail
// to parse are logged and skipped; one corrupted entry must not block
// recovery of the rest.
func (s *Store) ScanPending() ([]Pending, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: scan %s: %w", s.dir, err)
	}

	cutoff := time.Now().Add(-MinPendingAge)
	var out []Pending
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".wal.json") {
			continue
		}
		path := filepath.Join(s.dir, d.Name())
		info, err := d.Info()
		if err != nil {
			s.logger.Warn("wal: stat failed during scan", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if info.ModTime().After(cutoff) {
			// Possibly still in flight.
			continue
		}
		entry, err := s.Read(path)
		if err != nil {
			s.logger.Warn("wal: skipping unreadable entry", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		out = append(out, Pending{Path: path, Entry: entry})
	}
	return out, nil
}

const readmeText = `# Raido write-ahead log

This directory holds pending transaction records for rename operations in a
Raido vault. Each *.wal.json file describes one in-flight or interrupted
rename. Records are deleted automatically when their transaction completes;
anything left behind is picked up and rolled back at the next startup.

Do not edit or remove these files while a Raido process is running.
`

func (s *Store) ensureDir() error {
	if _, err := os.Stat(s.dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("wal: create dir %s: %w", s.dir, err)
	}
	readme := filepath.Join(s.dir, "README.md")
	if _, err := os.Stat(readme); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(readme, []byte(readmeText), 0o644); err != nil {
			s.logger.Warn("wal: seed README failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
