package links

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/starford/raido/internal/fsio"
)

// FileRender is the computed rewrite for one referencing file. OldContent
// is the file's pre-image at render time, kept so a caller can roll the
// rewrite back later.
type FileRender struct {
	Path       string // absolute
	OldContent string
	NewContent string
	References int
}

// RenderResult is the read-only half of a link update: everything needed to
// rewrite the vault, with nothing written yet.
type RenderResult struct {
	Files           []FileRender
	AffectedFiles   int
	TotalReferences int
	ScanTime        time.Duration
	RenderTime      time.Duration
}

// ContentMap returns the path→new-content mapping commit mode consumes.
func (r *RenderResult) ContentMap() map[string]string {
	m := make(map[string]string, len(r.Files))
	for _, f := range r.Files {
		m[f.Path] = f.NewContent
	}
	return m
}

// FailedFile records a per-file write failure during commit.
type FailedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// CommitResult is the outcome of writing a previously rendered content map.
type CommitResult struct {
	Success        bool
	UpdatedCount   int
	FailedFiles    []FailedFile
	PartialSuccess bool
	UpdateTime     time.Duration
}

// DirectResult is the outcome of a one-shot render-and-write.
type DirectResult struct {
	Success         bool
	UpdatedCount    int
	TotalReferences int
	FailedFiles     []FailedFile
	PartialSuccess  bool
	ScanTime        time.Duration
	UpdateTime      time.Duration
}

// Service rewrites wikilinks across the vault when a note is renamed.
type Service struct {
	scanner Scanner
	logger  *slog.Logger
}

// NewService creates a link rewrite service backed by the given scanner.
func NewService(scanner Scanner, logger *slog.Logger) *Service {
	return &Service{scanner: scanner, logger: logger}
}

// Render scans for references to oldName and computes the rewritten content
// of every affected file without writing anything.
func (s *Service) Render(ctx context.Context, oldName, newName string) (*RenderResult, error) {
	scanStart := time.Now()
	refs, err := s.scanner.FindReferences(ctx, oldName)
	if err != nil {
		return nil, fmt.Errorf("links: scan for %q: %w", oldName, err)
	}
	scanTime := time.Since(scanStart)

	renderStart := time.Now()
	byPath := make(map[string][]Reference)
	for _, ref := range refs {
		byPath[ref.Path] = append(byPath[ref.Path], ref)
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	res := &RenderResult{ScanTime: scanTime}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("links: read %s: %w", path, err)
		}
		content := string(data)
		for _, ref := range byPath[path] {
			content = strings.ReplaceAll(content, ref.OriginalLinkText, ref.rebuild(newName))
		}
		res.Files = append(res.Files, FileRender{
			Path:       path,
			OldContent: string(data),
			NewContent: content,
			References: len(byPath[path]),
		})
		res.TotalReferences += len(byPath[path])
	}
	res.AffectedFiles = len(res.Files)
	res.RenderTime = time.Since(renderStart)
	return res, nil
}

// Commit writes a previously rendered content map atomically, file by file.
// Per-file failures are collected, not fatal: the caller decides whether a
// partial write fails the operation as a whole.
func (s *Service) Commit(ctx context.Context, contentMap map[string]string) *CommitResult {
	start := time.Now()
	res := &CommitResult{}

	paths := make([]string, 0, len(contentMap))
	for p := range contentMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			res.FailedFiles = append(res.FailedFiles, FailedFile{Path: path, Error: err.Error()})
			continue
		}
		if err := fsio.WriteAtomic(path, []byte(contentMap[path])); err != nil {
			s.logger.Warn("links: commit write failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			res.FailedFiles = append(res.FailedFiles, FailedFile{Path: path, Error: err.Error()})
			continue
		}
		res.UpdatedCount++
	}

	res.Success = len(res.FailedFiles) == 0
	res.PartialSuccess = res.UpdatedCount > 0 && len(res.FailedFiles) > 0
	res.UpdateTime = time.Since(start)
	return res
}

// Direct performs render and commit in one pass. This is the
// non-transactional entry point; partial success is tolerated the same way
// commit mode tolerates it.
func (s *Service) Direct(ctx context.Context, oldName, newName string) (*DirectResult, error) {
	render, err := s.Render(ctx, oldName, newName)
	if err != nil {
		return nil, err
	}
	commit := s.Commit(ctx, render.ContentMap())
	return &DirectResult{
		Success:         commit.Success,
		UpdatedCount:    commit.UpdatedCount,
		TotalReferences: render.TotalReferences,
		FailedFiles:     commit.FailedFiles,
		PartialSuccess:  commit.PartialSuccess,
		ScanTime:        render.ScanTime,
		UpdateTime:      commit.UpdateTime,
	}, nil
}
