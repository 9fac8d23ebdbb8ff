// Package links finds and rewrites wikilink references when a note is
// renamed. Rendering (computing new file contents) and committing (writing
// them) are separate halves so the transaction engine can plan without
// touching the vault.
package links

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/starford/raido/internal/storage"
)

// Reference is one wikilink occurrence pointing at a note. It carries enough
// structure to rebuild an equivalent link with a new target name.
type Reference struct {
	Path             string // absolute path of the referencing file
	LineNumber       int    // 1-based
	OriginalLinkText string // full link text as it appears, e.g. "![[note#sec|alias]]"
	Alias            string
	Heading          string
	BlockRef         string
	IsEmbed          bool
}

// Scanner locates all references to a note by name.
type Scanner interface {
	FindReferences(ctx context.Context, noteName string) ([]Reference, error)
}

// BacklinkIndex narrows candidate files for a scan. The SQLite index
// satisfies it; a nil index means every vault file is a candidate.
type BacklinkIndex interface {
	Backlinks(target string) ([]string, error)
}

// VaultScanner scans vault markdown files for wikilink references. When an
// index is available, only files the index records as linking to the note
// are read; otherwise the whole vault is walked.
type VaultScanner struct {
	store storage.Provider
	root  string // absolute vault root
	index BacklinkIndex
}

// NewVaultScanner creates a scanner over the vault rooted at root.
// index may be nil.
func NewVaultScanner(store storage.Provider, root string, index BacklinkIndex) *VaultScanner {
	return &VaultScanner{store: store, root: root, index: index}
}

var linkRe = regexp.MustCompile(`(!?)\[\[([^\[\]]+)\]\]`)

// FindReferences returns every wikilink in the vault whose target is
// noteName, in file-then-line order.
func (v *VaultScanner) FindReferences(ctx context.Context, noteName string) ([]Reference, error) {
	candidates, err := v.candidates(noteName)
	if err != nil {
		return nil, err
	}

	var out []Reference
	for _, rel := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := v.store.Read(rel)
		if err != nil {
			return nil, fmt.Errorf("links: read %s: %w", rel, err)
		}
		abs := filepath.Join(v.root, rel)
		for i, line := range strings.Split(string(data), "\n") {
			for _, m := range linkRe.FindAllStringSubmatch(line, -1) {
				ref, ok := parseLink(m[2])
				if !ok || !targetMatches(ref.target, noteName) {
					continue
				}
				out = append(out, Reference{
					Path:             abs,
					LineNumber:       i + 1,
					OriginalLinkText: m[0],
					Alias:            ref.alias,
					Heading:          ref.heading,
					BlockRef:         ref.blockRef,
					IsEmbed:          m[1] == "!",
				})
			}
		}
	}
	return out, nil
}

// candidates returns vault-relative paths that may reference noteName.
func (v *VaultScanner) candidates(noteName string) ([]string, error) {
	if v.index != nil {
		sources, err := v.index.Backlinks(noteName)
		if err == nil && len(sources) > 0 {
			return sources, nil
		}
		// Index miss or error: fall through to the full walk.
	}
	metas, err := v.store.List("")
	if err != nil {
		return nil, fmt.Errorf("links: list vault: %w", err)
	}
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Path)
	}
	return out, nil
}

type parsedLink struct {
	target   string
	heading  string
	blockRef string
	alias    string
}

// parseLink splits the inner text of a wikilink into target, optional
// heading or block anchor, and optional display alias.
func parseLink(inner string) (parsedLink, bool) {
	var p parsedLink
	rest := inner
	if i := strings.Index(rest, "|"); i >= 0 {
		p.alias = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "#"); i >= 0 {
		anchor := rest[i+1:]
		rest = rest[:i]
		if strings.HasPrefix(anchor, "^") {
			p.blockRef = strings.TrimPrefix(anchor, "^")
		} else {
			p.heading = anchor
		}
	}
	p.target = strings.TrimSpace(rest)
	return p, p.target != ""
}

// targetMatches reports whether a link target refers to noteName. Targets
// may be written with or without a folder prefix and never carry the .md
// extension.
func targetMatches(target, noteName string) bool {
	return target == noteName ||
		target == filepath.Base(noteName) ||
		filepath.Base(target) == noteName
}

// rebuild renders a reference with its target swapped for newName, keeping
// the original anchor, alias, and embed flavor.
func (r Reference) rebuild(newName string) string {
	target := newName
	if r.Heading != "" {
		target += "#" + r.Heading
	}
	if r.BlockRef != "" {
		target += "#^" + r.BlockRef
	}
	if r.Alias != "" {
		target += "|" + r.Alias
	}
	text := "[[" + target + "]]"
	if r.IsEmbed {
		text = "!" + text
	}
	return text
}
