package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/raido/internal/links"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/testutil"
	"github.com/starford/raido/internal/wal"
)

type fixture struct {
	mgr   *Manager
	wal   *wal.Store
	vault string
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	vault := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(vault, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store, err := storage.NewFS(vault)
	if err != nil {
		t.Fatal(err)
	}
	logger := testutil.Logger(t)
	scanner := links.NewVaultScanner(store, store.Root(), nil)
	linkSvc := links.NewService(scanner, logger)
	walStore := wal.NewStore(t.TempDir(), logger)
	mgr := NewManager(walStore, linkSvc, store.Root(), logger)
	return &fixture{mgr: mgr, wal: walStore, vault: store.Root()}
}

func (f *fixture) abs(rel string) string {
	return filepath.Join(f.vault, rel)
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(f.abs(rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(f.abs(rel))
	return err == nil
}

func (f *fixture) walFiles(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.wal.Dir(), "*.wal.json"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func (f *fixture) stagedFiles(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.vault, "*"+StagedSuffix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestExecuteSimpleRename(t *testing.T) {
	f := newFixture(t, map[string]string{"note.md": "# Note\n\nbody\n"})

	res, err := f.mgr.Execute(context.Background(), f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.FinalPhase != models.PhaseSuccess {
		t.Errorf("res = %+v", res)
	}
	if res.LinksUpdated != 0 {
		t.Errorf("LinksUpdated = %d, want 0", res.LinksUpdated)
	}

	if f.exists("note.md") {
		t.Error("source still exists")
	}
	if got := f.read(t, "renamed.md"); got != "# Note\n\nbody\n" {
		t.Errorf("destination content = %q", got)
	}
	if ws := f.walFiles(t); len(ws) != 0 {
		t.Errorf("WAL files left after success: %v", ws)
	}
	if ss := f.stagedFiles(t); len(ss) != 0 {
		t.Errorf("staged files left after success: %v", ss)
	}
}

func TestExecuteRewritesLinks(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md":  "content\n",
		"one.md":   "see [[note]] and [[note|alias]]\n",
		"two.md":   "embed ![[note#Heading]]\n",
		"plain.md": "no links\n",
	})

	res, err := f.mgr.Execute(context.Background(), f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.LinksUpdated != 2 {
		t.Errorf("LinksUpdated = %d, want 2", res.LinksUpdated)
	}
	if len(res.UpdatedFiles) != 2 {
		t.Errorf("UpdatedFiles = %v", res.UpdatedFiles)
	}

	if got := f.read(t, "one.md"); got != "see [[renamed]] and [[renamed|alias]]\n" {
		t.Errorf("one.md = %q", got)
	}
	if got := f.read(t, "two.md"); got != "embed ![[renamed#Heading]]\n" {
		t.Errorf("two.md = %q", got)
	}
	if got := f.read(t, "plain.md"); got != "no links\n" {
		t.Errorf("plain.md = %q", got)
	}
	if ss := f.stagedFiles(t); len(ss) != 0 {
		t.Errorf("staged files left: %v", ss)
	}
}

func TestExecuteSkipLinkUpdates(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "content\n",
		"ref.md":  "see [[note]]\n",
	})

	res, err := f.mgr.Execute(context.Background(), f.abs("note.md"), f.abs("renamed.md"), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.LinksUpdated != 0 {
		t.Errorf("LinksUpdated = %d, want 0", res.LinksUpdated)
	}
	if got := f.read(t, "ref.md"); got != "see [[note]]\n" {
		t.Errorf("ref.md rewritten despite updateLinks=false: %q", got)
	}
}

func TestExecuteMissingSource(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.mgr.Execute(context.Background(), f.abs("ghost.md"), f.abs("renamed.md"), true)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsKind(err, KindPlanFailed) {
		t.Errorf("err = %v, want plan failure", err)
	}
	if res.Success || res.FinalPhase != models.PhaseAbort {
		t.Errorf("res = %+v", res)
	}
	// Plan writes nothing, so there must be nothing to recover.
	if ws := f.walFiles(t); len(ws) != 0 {
		t.Errorf("WAL files after plan failure: %v", ws)
	}
	if res.Rollback != nil {
		t.Errorf("rollback ran for a plan failure: %+v", res.Rollback)
	}
}

func TestExecuteDestinationCollision(t *testing.T) {
	// The staged promote overwrites its destination, so collision checks
	// belong to the caller. This exercises the engine-level behavior: a
	// staged file lands where it was told to.
	f := newFixture(t, map[string]string{
		"note.md":  "new content\n",
		"taken.md": "old content\n",
	})

	res, err := f.mgr.Execute(context.Background(), f.abs("note.md"), f.abs("taken.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("res = %+v", res)
	}
	if got := f.read(t, "taken.md"); got != "new content\n" {
		t.Errorf("taken.md = %q", got)
	}
}

func TestValidateDetectsStaleSource(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "original\n",
		"ref.md":  "see [[note]]\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}

	// A concurrent writer wins the race between prepare and validate.
	if err := os.WriteFile(f.abs("note.md"), []byte("concurrent edit\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = f.mgr.Validate(state)
	if !IsKind(err, KindStaleContent) {
		t.Fatalf("err = %v, want stale content", err)
	}
	var perr *PhaseError
	if !errors.As(err, &perr) || len(perr.Paths) != 1 || perr.Paths[0] != f.abs("note.md") {
		t.Errorf("stale paths = %+v", perr)
	}

	rb := f.mgr.Abort(state, err)
	if !rb.Success {
		t.Fatalf("rollback = %+v", rb)
	}

	// The concurrent edit survives and the rename never happened.
	if got := f.read(t, "note.md"); got != "concurrent edit\n" {
		t.Errorf("note.md = %q", got)
	}
	if f.exists("renamed.md") {
		t.Error("destination exists after abort")
	}
	if got := f.read(t, "ref.md"); got != "see [[note]]\n" {
		t.Errorf("ref.md = %q", got)
	}
	if ss := f.stagedFiles(t); len(ss) != 0 {
		t.Errorf("staged files after abort: %v", ss)
	}
	if ws := f.walFiles(t); len(ws) != 0 {
		t.Errorf("WAL files after clean abort: %v", ws)
	}
}

func TestValidateDetectsStaleLinkFile(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "original\n",
		"ref.md":  "see [[note]]\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.abs("ref.md"), []byte("edited [[note]]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = f.mgr.Validate(state)
	if !IsKind(err, KindStaleContent) {
		t.Fatalf("err = %v, want stale content", err)
	}

	rb := f.mgr.Abort(state, err)
	if !rb.Success {
		t.Fatalf("rollback = %+v", rb)
	}
	if got := f.read(t, "ref.md"); got != "edited [[note]]\n" {
		t.Errorf("ref.md = %q", got)
	}
}

func TestWALLifecycle(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "content\n",
		"ref.md":  "see [[note]]\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if ws := f.walFiles(t); len(ws) != 0 {
		t.Fatalf("WAL written during plan: %v", ws)
	}

	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}
	ws := f.walFiles(t)
	if len(ws) != 1 {
		t.Fatalf("WAL files after prepare = %v", ws)
	}
	entry, err := f.wal.Read(ws[0])
	if err != nil {
		t.Fatal(err)
	}
	if entry.Phase != models.PhasePrepare {
		t.Errorf("phase = %q", entry.Phase)
	}
	if entry.Manifest.TotalOperations != 2 {
		t.Errorf("TotalOperations = %d, want 2", entry.Manifest.TotalOperations)
	}
	if entry.Manifest.NoteRename.StagedPath == "" {
		t.Error("staged path missing from WAL manifest")
	}

	if err := f.mgr.Validate(state); err != nil {
		t.Fatal(err)
	}
	entry, err = f.wal.Read(state.WALPath)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Phase != models.PhaseValidate {
		t.Errorf("phase = %q after validate", entry.Phase)
	}

	if err := f.mgr.Commit(ctx, state); err != nil {
		t.Fatal(err)
	}
	entry, err = f.wal.Read(state.WALPath)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Phase != models.PhaseCommit {
		t.Errorf("phase = %q after commit", entry.Phase)
	}
	if !entry.Manifest.NoteRename.Completed {
		t.Error("note rename not marked completed in WAL")
	}
	if !entry.Manifest.LinkUpdates[0].Completed {
		t.Error("link update not marked completed in WAL")
	}

	f.mgr.Success(state)
	if ws := f.walFiles(t); len(ws) != 0 {
		t.Errorf("WAL files after success: %v", ws)
	}
}

func TestPlanCapturesSelfReferenceOnRename(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "links to [[note]] itself\n",
		"ref.md":  "see [[note]]\n",
	})

	state, err := f.mgr.Plan(context.Background(), f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Manifest.LinkUpdates) != 1 {
		t.Fatalf("LinkUpdates = %+v, want only ref.md", state.Manifest.LinkUpdates)
	}
	if state.Manifest.LinkUpdates[0].Path != f.abs("ref.md") {
		t.Errorf("LinkUpdates[0].Path = %q", state.Manifest.LinkUpdates[0].Path)
	}
	nr := state.Manifest.NoteRename
	if nr.ContentBefore != "links to [[note]] itself\n" {
		t.Errorf("ContentBefore = %q", nr.ContentBefore)
	}
	if nr.RenderedContent != "links to [[renamed]] itself\n" {
		t.Errorf("RenderedContent = %q", nr.RenderedContent)
	}
}

func TestExecuteRewritesSelfReference(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "see [[note]] for more\n",
		"ref.md":  "see [[note]]\n",
	})

	res, err := f.mgr.Execute(context.Background(), f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := f.read(t, "renamed.md"); got != "see [[renamed]] for more\n" {
		t.Errorf("renamed.md = %q, want self-link rewritten", got)
	}
	if got := f.read(t, "ref.md"); got != "see [[renamed]]\n" {
		t.Errorf("ref.md = %q", got)
	}
	if f.exists("note.md") {
		t.Error("source still present")
	}
}

func TestRollbackRestoresSelfReferenceContent(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "see [[note]] for more\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Validate(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Commit(ctx, state); err != nil {
		t.Fatal(err)
	}

	rb := f.mgr.Rollback(state.Manifest, state.WALPath)
	if !rb.Success {
		t.Fatalf("rollback = %+v", rb)
	}
	if got := f.read(t, "note.md"); got != "see [[note]] for more\n" {
		t.Errorf("note.md = %q, want original bytes restored", got)
	}
	if f.exists("renamed.md") {
		t.Error("destination still present after rollback")
	}
}

func TestRollbackAfterCommitRestoresEverything(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "content\n",
		"ref.md":  "see [[note]]\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Validate(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Commit(ctx, state); err != nil {
		t.Fatal(err)
	}

	rb := f.mgr.Rollback(state.Manifest, state.WALPath)
	if !rb.Success {
		t.Fatalf("rollback = %+v", rb)
	}

	if got := f.read(t, "note.md"); got != "content\n" {
		t.Errorf("note.md = %q", got)
	}
	if f.exists("renamed.md") {
		t.Error("destination still exists after rollback")
	}
	if got := f.read(t, "ref.md"); got != "see [[note]]\n" {
		t.Errorf("ref.md = %q, want pre-image restored", got)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "content\n",
		"ref.md":  "see [[note]]\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Validate(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Commit(ctx, state); err != nil {
		t.Fatal(err)
	}

	first := f.mgr.Rollback(state.Manifest, state.WALPath)
	second := f.mgr.Rollback(state.Manifest, state.WALPath)
	if !first.Success || !second.Success {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	if got := f.read(t, "note.md"); got != "content\n" {
		t.Errorf("note.md = %q", got)
	}
	if f.exists("renamed.md") {
		t.Error("destination exists after double rollback")
	}
}

func TestRollbackWithoutPreImageFails(t *testing.T) {
	f := newFixture(t, map[string]string{"ref.md": "rewritten\n"})

	man := models.NewManifest(
		models.NoteRename{From: f.abs("note.md"), To: f.abs("renamed.md")},
		[]models.LinkUpdate{{
			Path:      f.abs("ref.md"),
			Completed: true,
		}},
	)
	rb := f.mgr.Rollback(man, "")
	if rb.Success {
		t.Fatal("expected failure for completed update with no pre-image")
	}
	if !rb.ManualRecoveryRequired {
		t.Error("ManualRecoveryRequired not set")
	}
	if len(rb.Failures) != 1 || rb.Failures[0].Operation != "restore_link_content" {
		t.Errorf("failures = %+v", rb.Failures)
	}
}

func TestAbortKeepsWALWhenRollbackFails(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "content\n",
		"ref.md":  "see [[note]]\n",
	})
	ctx := context.Background()

	state, err := f.mgr.Plan(ctx, f.abs("note.md"), f.abs("renamed.md"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Prepare(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Validate(state); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Commit(ctx, state); err != nil {
		t.Fatal(err)
	}

	// Dropping the pre-image makes the committed link rewrite unrecoverable.
	state.Manifest.LinkUpdates[0].ContentBefore = ""

	rb := f.mgr.Abort(state, os.ErrInvalid)
	if rb.Success {
		t.Fatal("expected partial rollback")
	}
	if len(rb.RecoveryInstructions) == 0 {
		t.Error("no recovery instructions")
	}
	ws := f.walFiles(t)
	if len(ws) != 1 {
		t.Fatalf("WAL files = %v, want the preserved entry", ws)
	}
	entry, err := f.wal.Read(ws[0])
	if err != nil {
		t.Fatal(err)
	}
	if entry.Phase != models.PhaseAbort {
		t.Errorf("preserved WAL phase = %q, want abort", entry.Phase)
	}
}

func TestStagedPath(t *testing.T) {
	got := StagedPath("/vault/new.md", "abc-123")
	if got != "/vault/new.md.mcp-staged-abc-123" {
		t.Errorf("StagedPath = %q", got)
	}
	if !strings.Contains(got, StagedSuffix) {
		t.Errorf("missing suffix in %q", got)
	}
}
