package links

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/raido/internal/storage"
)

func testVault(t *testing.T, files map[string]string) (*storage.FS, string) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	return store, store.Root()
}

func TestFindReferences(t *testing.T) {
	store, root := testVault(t, map[string]string{
		"a.md":     "see [[target]] and again [[target|nice name]]\n",
		"b.md":     "embed: ![[target]]\nsection: [[target#Intro]]\nblock: [[target#^abc123]]\n",
		"other.md": "links to [[something else]] only\n",
	})
	scanner := NewVaultScanner(store, root, nil)

	refs, err := scanner.FindReferences(context.Background(), "target")
	if err != nil {
		t.Fatalf("FindReferences: %v", err)
	}
	if len(refs) != 5 {
		t.Fatalf("got %d references, want 5: %+v", len(refs), refs)
	}

	// File-then-line order.
	if filepath.Base(refs[0].Path) != "a.md" || refs[0].LineNumber != 1 {
		t.Errorf("refs[0] = %+v", refs[0])
	}
	if refs[1].Alias != "nice name" {
		t.Errorf("alias = %q", refs[1].Alias)
	}
	if !refs[2].IsEmbed {
		t.Errorf("refs[2] not flagged as embed: %+v", refs[2])
	}
	if refs[3].Heading != "Intro" {
		t.Errorf("heading = %q", refs[3].Heading)
	}
	if refs[4].BlockRef != "abc123" {
		t.Errorf("blockRef = %q", refs[4].BlockRef)
	}
}

func TestFindReferencesFolderPrefix(t *testing.T) {
	store, root := testVault(t, map[string]string{
		"a.md": "with folder [[projects/target]] and bare [[target]]\n",
	})
	scanner := NewVaultScanner(store, root, nil)

	refs, err := scanner.FindReferences(context.Background(), "projects/target")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Errorf("got %d references, want 2 (prefixed and bare)", len(refs))
	}
}

func TestFindReferencesNone(t *testing.T) {
	store, root := testVault(t, map[string]string{
		"a.md": "no links here\n",
	})
	scanner := NewVaultScanner(store, root, nil)

	refs, err := scanner.FindReferences(context.Background(), "target")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("got %d references, want 0", len(refs))
	}
}

type fakeIndex struct {
	sources []string
	err     error
	queried string
}

func (f *fakeIndex) Backlinks(target string) ([]string, error) {
	f.queried = target
	return f.sources, f.err
}

func TestFindReferencesUsesIndex(t *testing.T) {
	store, root := testVault(t, map[string]string{
		"linked.md":   "has [[target]]\n",
		"unlinked.md": "also has [[target]] but the index does not know\n",
	})
	idx := &fakeIndex{sources: []string{"linked.md"}}
	scanner := NewVaultScanner(store, root, idx)

	refs, err := scanner.FindReferences(context.Background(), "target")
	if err != nil {
		t.Fatal(err)
	}
	if idx.queried != "target" {
		t.Errorf("index queried with %q", idx.queried)
	}
	if len(refs) != 1 || filepath.Base(refs[0].Path) != "linked.md" {
		t.Errorf("refs = %+v, want only linked.md", refs)
	}
}

func TestFindReferencesIndexMissFallsBack(t *testing.T) {
	store, root := testVault(t, map[string]string{
		"a.md": "has [[target]]\n",
	})
	idx := &fakeIndex{sources: nil}
	scanner := NewVaultScanner(store, root, idx)

	refs, err := scanner.FindReferences(context.Background(), "target")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Errorf("got %d references, want 1 from full walk", len(refs))
	}
}

func TestFindReferencesCancelled(t *testing.T) {
	store, root := testVault(t, map[string]string{
		"a.md": "has [[target]]\n",
	})
	scanner := NewVaultScanner(store, root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := scanner.FindReferences(ctx, "target"); err == nil {
		t.Error("expected context error")
	}
}

func TestParseLink(t *testing.T) {
	tests := []struct {
		inner string
		want  parsedLink
		ok    bool
	}{
		{"note", parsedLink{target: "note"}, true},
		{"note|alias", parsedLink{target: "note", alias: "alias"}, true},
		{"note#Heading", parsedLink{target: "note", heading: "Heading"}, true},
		{"note#^block1", parsedLink{target: "note", blockRef: "block1"}, true},
		{"note#Heading|alias", parsedLink{target: "note", heading: "Heading", alias: "alias"}, true},
		{"dir/note", parsedLink{target: "dir/note"}, true},
		{"#Heading", parsedLink{heading: "Heading"}, false},
		{"", parsedLink{}, false},
	}
	for _, tt := range tests {
		got, ok := parseLink(tt.inner)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseLink(%q) = %+v, %v; want %+v, %v", tt.inner, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReferenceRebuild(t *testing.T) {
	tests := []struct {
		ref  Reference
		want string
	}{
		{Reference{}, "[[renamed]]"},
		{Reference{Alias: "display"}, "[[renamed|display]]"},
		{Reference{Heading: "Intro"}, "[[renamed#Intro]]"},
		{Reference{BlockRef: "b1"}, "[[renamed#^b1]]"},
		{Reference{IsEmbed: true}, "![[renamed]]"},
		{Reference{Heading: "Intro", Alias: "x", IsEmbed: true}, "![[renamed#Intro|x]]"},
	}
	for _, tt := range tests {
		if got := tt.ref.rebuild("renamed"); got != tt.want {
			t.Errorf("rebuild = %q, want %q", got, tt.want)
		}
	}
}
