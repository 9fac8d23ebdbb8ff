package models

// Phase identifies where a rename transaction currently stands. Phases only
// ever move forward; a WAL entry stuck at a non-terminal phase marks an
// interrupted transaction.
type Phase string

// Transaction phases in order.
const (
	PhasePlan     Phase = "plan"
	PhasePrepare  Phase = "prepare"
	PhaseValidate Phase = "validate"
	PhaseCommit   Phase = "commit"
	PhaseSuccess  Phase = "success"
	PhaseAbort    Phase = "abort"
)

var phaseRank = map[Phase]int{
	PhasePlan:     0,
	PhasePrepare:  1,
	PhaseValidate: 2,
	PhaseCommit:   3,
	PhaseSuccess:  4,
	PhaseAbort:    4,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Terminal reports whether p ends the transaction.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseAbort
}

// CanAdvance reports whether a transition from p to next moves forward.
// Backward transitions and transitions out of a terminal phase are rejected.
func (p Phase) CanAdvance(next Phase) bool {
	if !p.Valid() || !next.Valid() || p.Terminal() {
		return false
	}
	return phaseRank[next] > phaseRank[p]
}

// NoteRename describes the single note move at the heart of a transaction.
// From and To are absolute paths. ContentHashBefore freezes the expected
// source content at plan time; StagedPath is filled in during prepare;
// Completed flips true only once the destination rename has landed. When the
// note references itself, ContentBefore keeps the original bytes and
// RenderedContent holds the rewrite that stages in place of a plain copy.
type NoteRename struct {
	From              string `json:"from"`
	To                string `json:"to"`
	ContentHashBefore string `json:"contentHashBefore"`
	ContentBefore     string `json:"contentBefore,omitempty"`
	RenderedContent   string `json:"renderedContent,omitempty"`
	StagedPath        string `json:"stagedPath,omitempty"`
	Completed         bool   `json:"completed"`
}

// LinkUpdate describes one file whose wikilinks must be rewritten because it
// references the renamed note. ContentBefore keeps the file's pre-image so a
// rollback can restore the file even after its rewrite was committed.
type LinkUpdate struct {
	Path              string `json:"path"`
	ContentHashBefore string `json:"contentHashBefore"`
	ContentBefore     string `json:"contentBefore,omitempty"`
	RenderedContent   string `json:"renderedContent"`
	StagedPath        string `json:"stagedPath,omitempty"`
	ReferenceCount    int    `json:"referenceCount"`
	Completed         bool   `json:"completed"`
}

// Manifest is the complete plan for one rename transaction. It is created
// once during plan, mutated in place through commit, and serialized into the
// WAL at every phase transition. A manifest must stay self-describing: it is
// the only artifact rollback may rely on.
type Manifest struct {
	NoteRename      NoteRename   `json:"noteRename"`
	LinkUpdates     []LinkUpdate `json:"linkUpdates"`
	TotalOperations int          `json:"totalOperations"`
}

// NewManifest builds a manifest and sets TotalOperations to its invariant
// value of one note rename plus one operation per link update.
func NewManifest(rename NoteRename, updates []LinkUpdate) *Manifest {
	return &Manifest{
		NoteRename:      rename,
		LinkUpdates:     updates,
		TotalOperations: 1 + len(updates),
	}
}
