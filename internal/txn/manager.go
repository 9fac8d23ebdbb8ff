// Package txn implements the five-phase rename protocol: plan, prepare,
// validate, commit, success, with abort and rollback on any failure. A
// rename that is referenced by wikilinks elsewhere in the vault touches many
// independent files; this package makes that all-or-nothing on top of plain
// filesystem calls by staging every write, journaling the full plan to the
// WAL at each phase transition, and detecting concurrent modification
// through content hashes rather than locks.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/fsio"
	"github.com/starford/raido/internal/links"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/wal"
)

// StagedSuffix is appended (with the correlation id) to a destination path
// to form a staged temp path. Staged files are locatable by correlation id
// alone, independent of WAL state.
const StagedSuffix = ".mcp-staged-"

// State is the mutable run context of one transaction.
type State struct {
	CorrelationID string
	Phase         models.Phase
	Timestamp     time.Time
	VaultPath     string
	Manifest      *models.Manifest
	WALPath       string
}

// Manager orchestrates the five-phase protocol for one rename at a time.
// Independent transactions may run concurrently; conflicts between them are
// detected at validate time via content hashes, not prevented by locks.
type Manager struct {
	wal       *wal.Store
	links     *links.Service
	vault     string // absolute vault root
	logger    *slog.Logger
	writeOpts []fsio.Option
}

// Option configures a Manager.
type Option func(*Manager)

// WithWriteRetries sets the retry count for every atomic write the
// manager performs.
func WithWriteRetries(n int) Option {
	return func(m *Manager) {
		m.writeOpts = append(m.writeOpts, fsio.WithRetries(n))
	}
}

// NewManager creates a transaction manager for the vault rooted at
// vaultPath (absolute).
func NewManager(walStore *wal.Store, linkSvc *links.Service, vaultPath string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{wal: walStore, links: linkSvc, vault: vaultPath, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StagedPath returns the staged temp path for base under the given
// correlation id.
func StagedPath(base, correlationID string) string {
	return base + StagedSuffix + correlationID
}

// Execute runs one rename transaction end to end. The phases run strictly
// in sequence; any phase failure drives abort and the returned Result
// carries the rollback outcome and the phase timings gathered so far. The
// returned error, when non-nil, is a *PhaseError.
func (m *Manager) Execute(ctx context.Context, oldPath, newPath string, updateLinks bool) (*Result, error) {
	start := time.Now()
	res := &Result{FinalPhase: models.PhasePlan}

	t := time.Now()
	state, err := m.Plan(ctx, oldPath, newPath, updateLinks)
	res.Metrics.Phases.Plan = Millis(time.Since(t))
	if err != nil {
		// Nothing has been written yet: no rollback, no WAL.
		res.FinalPhase = models.PhaseAbort
		res.Error = err.Error()
		res.Metrics.TotalTime = Millis(time.Since(start))
		return res, err
	}
	res.CorrelationID = state.CorrelationID

	steps := []struct {
		phase models.Phase
		run   func() error
		out   *Millis
	}{
		{models.PhasePrepare, func() error { return m.Prepare(state) }, &res.Metrics.Phases.Prepare},
		{models.PhaseValidate, func() error { return m.Validate(state) }, &res.Metrics.Phases.Validate},
		{models.PhaseCommit, func() error { return m.Commit(ctx, state) }, &res.Metrics.Phases.Commit},
	}
	for _, step := range steps {
		t = time.Now()
		err = step.run()
		*step.out = Millis(time.Since(t))
		if err != nil {
			res.Rollback = m.Abort(state, err)
			if !res.Rollback.Success {
				// Manual intervention territory: the rollback report and the
				// preserved WAL are the recovery artifacts.
				err = phaseErr(models.PhaseAbort, KindRollbackFailed, err)
			}
			res.FinalPhase = models.PhaseAbort
			res.NoteRename = state.Manifest.NoteRename
			res.Error = err.Error()
			res.Metrics.TotalTime = Millis(time.Since(start))
			return res, err
		}
	}

	t = time.Now()
	m.Success(state)
	res.Metrics.Phases.Success = Millis(time.Since(t))

	res.Success = true
	res.FinalPhase = models.PhaseSuccess
	res.NoteRename = state.Manifest.NoteRename
	res.LinksUpdated = len(state.Manifest.LinkUpdates)
	for i := range state.Manifest.LinkUpdates {
		res.UpdatedFiles = append(res.UpdatedFiles, state.Manifest.LinkUpdates[i].Path)
	}
	res.Metrics.TotalTime = Millis(time.Since(start))

	m.logger.Info("txn: rename committed",
		slog.String("correlation_id", state.CorrelationID),
		slog.String("from", oldPath),
		slog.String("to", newPath),
		slog.Int("links_updated", res.LinksUpdated),
		slog.Duration("total_time", time.Duration(res.Metrics.TotalTime)))
	return res, nil
}

// Plan reads the source note, freezes its content hash, and (when link
// updates are requested) renders the rewrite of every referencing file.
// Nothing is written to disk; a plan failure needs no rollback.
func (m *Manager) Plan(ctx context.Context, oldPath, newPath string, updateLinks bool) (*State, error) {
	data, err := os.ReadFile(oldPath)
	if err != nil {
		return nil, phaseErr(models.PhasePlan, KindPlanFailed, fmt.Errorf("read source: %w", err), oldPath)
	}
	rename := models.NoteRename{
		From:              oldPath,
		To:                newPath,
		ContentHashBefore: checksum.Sum(data),
	}

	var updates []models.LinkUpdate
	if updateLinks {
		render, err := m.links.Render(ctx, m.noteName(oldPath), m.noteName(newPath))
		if err != nil {
			return nil, phaseErr(models.PhasePlan, KindPlanFailed, err)
		}
		for _, f := range render.Files {
			// Self-references travel with the note itself: the rewrite is
			// staged as the renamed note's content, not as a link update
			// entry. The frozen hash still covers the original bytes.
			if f.Path == oldPath {
				rename.ContentBefore = f.OldContent
				rename.RenderedContent = f.NewContent
				continue
			}
			updates = append(updates, models.LinkUpdate{
				Path:              f.Path,
				ContentHashBefore: checksum.Sum([]byte(f.OldContent)),
				ContentBefore:     f.OldContent,
				RenderedContent:   f.NewContent,
				ReferenceCount:    f.References,
			})
		}
	}

	return &State{
		CorrelationID: uuid.NewString(),
		Phase:         models.PhasePlan,
		Timestamp:     time.Now(),
		VaultPath:     m.vault,
		Manifest:      models.NewManifest(rename, updates),
	}, nil
}

// Prepare stages a copy of the source note next to its destination, stages
// the rendered content of every link update, and writes the first WAL
// entry. Everything staged here is removable by rollback.
func (m *Manager) Prepare(state *State) error {
	man := state.Manifest

	staged := StagedPath(man.NoteRename.To, state.CorrelationID)
	if man.NoteRename.RenderedContent != "" {
		// The note references itself: stage the rewrite so the moved file
		// points at its own new name.
		if err := fsio.WriteAtomic(staged, []byte(man.NoteRename.RenderedContent), m.writeOpts...); err != nil {
			return phaseErr(models.PhasePrepare, KindPrepareFailed, err, man.NoteRename.From)
		}
	} else if err := fsio.CopyFile(man.NoteRename.From, staged, m.writeOpts...); err != nil {
		return phaseErr(models.PhasePrepare, KindPrepareFailed, err, man.NoteRename.From)
	}
	man.NoteRename.StagedPath = staged

	for i := range man.LinkUpdates {
		lu := &man.LinkUpdates[i]
		sp := StagedPath(lu.Path, state.CorrelationID)
		if err := fsio.WriteAtomic(sp, []byte(lu.RenderedContent), m.writeOpts...); err != nil {
			return phaseErr(models.PhasePrepare, KindPrepareFailed, err, lu.Path)
		}
		lu.StagedPath = sp
	}

	if err := m.advance(state, models.PhasePrepare); err != nil {
		return phaseErr(models.PhasePrepare, KindPrepareFailed, err)
	}
	path, err := m.wal.Write(m.entry(state))
	if err != nil {
		return phaseErr(models.PhasePrepare, KindPrepareFailed, err)
	}
	state.WALPath = path
	return nil
}

// Validate recomputes the hash of the live source file and of every link
// file, comparing against the hashes frozen at plan time. Any divergence
// means a concurrent writer won the race; the transaction fails with
// stale-content naming the offending paths. This check is the transaction's
// sole conflict detector.
func (m *Manager) Validate(state *State) error {
	man := state.Manifest
	var stale []string

	data, err := os.ReadFile(man.NoteRename.From)
	if err != nil {
		return phaseErr(models.PhaseValidate, KindValidateFailed, fmt.Errorf("reread source: %w", err), man.NoteRename.From)
	}
	if checksum.Sum(data) != man.NoteRename.ContentHashBefore {
		stale = append(stale, man.NoteRename.From)
	}

	for i := range man.LinkUpdates {
		lu := &man.LinkUpdates[i]
		data, err := os.ReadFile(lu.Path)
		if err != nil {
			return phaseErr(models.PhaseValidate, KindValidateFailed, fmt.Errorf("reread link file: %w", err), lu.Path)
		}
		if checksum.Sum(data) != lu.ContentHashBefore {
			stale = append(stale, lu.Path)
		}
	}

	if len(stale) > 0 {
		return phaseErr(models.PhaseValidate, KindStaleContent, errors.New("stale content detected"), stale...)
	}

	if err := m.advance(state, models.PhaseValidate); err != nil {
		return phaseErr(models.PhaseValidate, KindValidateFailed, err)
	}
	return m.updateWAL(state, models.PhaseValidate)
}

// Commit promotes the staged note onto its destination with the atomic
// rename primitive, removes the source, and writes every rendered link
// rewrite. Completion flags land in the WAL before Commit returns, whether
// or not the link pass fully succeeded.
func (m *Manager) Commit(ctx context.Context, state *State) error {
	man := state.Manifest

	if err := os.Rename(man.NoteRename.StagedPath, man.NoteRename.To); err != nil {
		return phaseErr(models.PhaseCommit, KindCommitFailed, fmt.Errorf("promote staged note: %w", err), man.NoteRename.To)
	}
	man.NoteRename.Completed = true

	if err := os.Remove(man.NoteRename.From); err != nil {
		_ = m.updateWAL(state, models.PhaseCommit)
		return phaseErr(models.PhaseCommit, KindCommitFailed, fmt.Errorf("remove source: %w", err), man.NoteRename.From)
	}

	var failedPaths []string
	if len(man.LinkUpdates) > 0 {
		contentMap := make(map[string]string, len(man.LinkUpdates))
		for i := range man.LinkUpdates {
			contentMap[man.LinkUpdates[i].Path] = man.LinkUpdates[i].RenderedContent
		}
		commit := m.links.Commit(ctx, contentMap)

		failed := make(map[string]string, len(commit.FailedFiles))
		for _, f := range commit.FailedFiles {
			failed[f.Path] = f.Error
			failedPaths = append(failedPaths, f.Path)
		}
		for i := range man.LinkUpdates {
			if _, bad := failed[man.LinkUpdates[i].Path]; !bad {
				man.LinkUpdates[i].Completed = true
			}
		}
	}

	if err := m.advance(state, models.PhaseCommit); err != nil {
		return phaseErr(models.PhaseCommit, KindCommitFailed, err)
	}
	if err := m.updateWAL(state, models.PhaseCommit); err != nil {
		return err
	}

	// A rename that touched more than one file is all-or-nothing: any
	// link-write failure fails the whole transaction.
	if len(failedPaths) > 0 {
		return phaseErr(models.PhaseCommit, KindCommitFailed, errors.New("link rewrite incomplete"), failedPaths...)
	}
	return nil
}

// Success removes staged temp files and the WAL entry. Cleanup here is best
// effort: the transaction has already committed, so failures are logged and
// never surfaced as errors.
func (m *Manager) Success(state *State) {
	man := state.Manifest

	// The note's staged file was consumed by the commit rename; link staged
	// copies were not promoted and must go.
	for i := range man.LinkUpdates {
		if sp := man.LinkUpdates[i].StagedPath; sp != "" {
			if err := os.Remove(sp); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("txn: staged cleanup failed",
					slog.String("correlation_id", state.CorrelationID),
					slog.String("path", sp),
					slog.String("error", err.Error()))
			}
		}
	}

	if state.WALPath != "" {
		if err := m.wal.Delete(state.WALPath); err != nil {
			m.logger.Warn("txn: wal cleanup failed",
				slog.String("correlation_id", state.CorrelationID),
				slog.String("path", state.WALPath),
				slog.String("error", err.Error()))
		}
	}
	state.Phase = models.PhaseSuccess
}

// Abort rolls the transaction back after a phase failure. When rollback is
// clean the WAL entry is deleted; otherwise the WAL stays on disk as the
// recovery artifact and the result carries instructions for finishing the
// job by hand or at next boot.
func (m *Manager) Abort(state *State, cause error) *RollbackResult {
	m.logger.Error("txn: aborting",
		slog.String("correlation_id", state.CorrelationID),
		slog.String("phase", string(state.Phase)),
		slog.String("error", cause.Error()))

	rb := m.Rollback(state.Manifest, state.WALPath)
	state.Phase = models.PhaseAbort

	if state.WALPath != "" {
		if rb.Success {
			if err := m.wal.Delete(state.WALPath); err != nil {
				m.logger.Warn("txn: wal delete after rollback failed",
					slog.String("path", state.WALPath),
					slog.String("error", err.Error()))
			}
		} else {
			// The WAL is the only artifact that lets a human or the next
			// boot cycle finish the job. Record the abort phase in it.
			if err := m.updateWAL(state, models.PhaseAbort); err != nil {
				m.logger.Warn("txn: wal abort update failed",
					slog.String("path", state.WALPath),
					slog.String("error", err.Error()))
			}
		}
	}

	if !rb.Success {
		rb.RecoveryInstructions = m.recoveryInstructions(state, rb)
	}
	return rb
}

// Rollback undoes the manifest's operations. It is idempotent: running it
// twice produces the same end state as running it once.
func (m *Manager) Rollback(man *models.Manifest, walPath string) *RollbackResult {
	res := &RollbackResult{}
	attempted := 0

	nr := &man.NoteRename
	attempted++
	if nr.Completed {
		switch _, err := os.Stat(nr.To); {
		case err == nil:
			if err := os.Rename(nr.To, nr.From); err != nil {
				res.Failures = append(res.Failures, RollbackFailure{
					Path:      nr.To,
					Operation: "rename_note",
					Error:     fmt.Sprintf("restore original path: %v", err),
				})
			} else if nr.RenderedContent != "" && nr.ContentBefore != "" {
				// The committed file carried the self-link rewrite; put the
				// original bytes back.
				if err := fsio.WriteAtomic(nr.From, []byte(nr.ContentBefore), m.writeOpts...); err != nil {
					res.Failures = append(res.Failures, RollbackFailure{
						Path:      nr.From,
						Operation: "restore_note_content",
						Error:     err.Error(),
					})
				} else {
					res.RolledBack = append(res.RolledBack, "rename_note:"+nr.From)
				}
			} else {
				res.RolledBack = append(res.RolledBack, "rename_note:"+nr.From)
			}
		case errors.Is(err, os.ErrNotExist):
			// Already restored by a previous rollback pass.
			res.RolledBack = append(res.RolledBack, "rename_note:"+nr.From)
		default:
			res.Failures = append(res.Failures, RollbackFailure{
				Path:      nr.To,
				Operation: "rename_note",
				Error:     fmt.Sprintf("stat destination: %v", err),
			})
		}
	} else if nr.StagedPath != "" {
		if err := os.Remove(nr.StagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			res.Failures = append(res.Failures, RollbackFailure{
				Path:      nr.StagedPath,
				Operation: "discard_staged_note",
				Error:     err.Error(),
			})
		} else {
			res.RolledBack = append(res.RolledBack, "discard_staged_note:"+nr.StagedPath)
		}
	} else {
		res.RolledBack = append(res.RolledBack, "rename_note:untouched")
	}

	for i := range man.LinkUpdates {
		lu := &man.LinkUpdates[i]
		attempted++
		if lu.Completed {
			if lu.ContentBefore == "" {
				// No pre-image in the manifest: the committed rewrite cannot
				// be undone automatically.
				res.Failures = append(res.Failures, RollbackFailure{
					Path:      lu.Path,
					Operation: "restore_link_content",
					Error:     "no pre-image recorded; restore the file's previous content manually",
				})
				continue
			}
			if err := fsio.WriteAtomic(lu.Path, []byte(lu.ContentBefore), m.writeOpts...); err != nil {
				res.Failures = append(res.Failures, RollbackFailure{
					Path:      lu.Path,
					Operation: "restore_link_content",
					Error:     err.Error(),
				})
				continue
			}
			res.RolledBack = append(res.RolledBack, "restore_link_content:"+lu.Path)
		} else if lu.StagedPath != "" {
			if err := os.Remove(lu.StagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				res.Failures = append(res.Failures, RollbackFailure{
					Path:      lu.StagedPath,
					Operation: "discard_staged_link",
					Error:     err.Error(),
				})
			} else {
				res.RolledBack = append(res.RolledBack, "discard_staged_link:"+lu.StagedPath)
			}
		} else {
			res.RolledBack = append(res.RolledBack, "link_update:untouched:"+lu.Path)
		}
	}

	res.Success = len(res.Failures) == 0
	res.PartialRecovery = len(res.Failures) > 0 && len(res.RolledBack) > 0
	res.ManualRecoveryRequired = !res.Success
	return res
}

func (m *Manager) recoveryInstructions(state *State, rb *RollbackResult) []string {
	out := []string{
		fmt.Sprintf("Transaction %s could not be fully rolled back.", state.CorrelationID),
		fmt.Sprintf("The WAL entry is preserved at %s and describes every planned operation.", state.WALPath),
	}
	for _, f := range rb.Failures {
		out = append(out, fmt.Sprintf("Restore %s by hand (%s: %s).", f.Path, f.Operation, f.Error))
	}
	out = append(out,
		fmt.Sprintf("Staged temp files for this transaction end in %s%s and are safe to delete once restored.", StagedSuffix, state.CorrelationID),
		"Delete the WAL entry after the files above are back in place, or leave it for the next startup recovery pass.")
	return out
}

// advance moves the state to the next phase, rejecting backward or
// out-of-terminal transitions.
func (m *Manager) advance(state *State, next models.Phase) error {
	if !state.Phase.CanAdvance(next) {
		return fmt.Errorf("illegal phase transition %s to %s", state.Phase, next)
	}
	state.Phase = next
	return nil
}

func (m *Manager) entry(state *State) *wal.Entry {
	return &wal.Entry{
		Version:       wal.SchemaVersion,
		CorrelationID: state.CorrelationID,
		Timestamp:     state.Timestamp,
		VaultPath:     state.VaultPath,
		Phase:         state.Phase,
		Operation:     wal.OpRenameNote,
		Manifest:      *state.Manifest,
		PID:           os.Getpid(),
	}
}

// updateWAL re-serializes the manifest under the given phase. The entry's
// timestamp is fixed at creation, so every update lands on the same file.
func (m *Manager) updateWAL(state *State, phase models.Phase) error {
	state.Phase = phase
	path, err := m.wal.Write(m.entry(state))
	if err != nil {
		kind := KindValidateFailed
		if phase == models.PhaseCommit {
			kind = KindCommitFailed
		}
		return phaseErr(phase, kind, fmt.Errorf("update wal: %w", err))
	}
	state.WALPath = path
	return nil
}

// noteName converts an absolute note path to the wikilink target form:
// vault-relative, forward slashes, no .md extension.
func (m *Manager) noteName(path string) string {
	rel, err := filepath.Rel(m.vault, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, ".md")
}
