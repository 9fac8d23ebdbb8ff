package txn

import (
	"strconv"
	"time"

	"github.com/starford/raido/internal/models"
)

// RollbackFailure records one manifest entry that could not be restored.
type RollbackFailure struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// RollbackResult is the outcome of an undo attempt. Success is true only if
// every manifest entry rolled back cleanly; PartialRecovery is true when
// some but not all entries succeeded.
type RollbackResult struct {
	Success                bool              `json:"success"`
	RolledBack             []string          `json:"rolled_back,omitempty"`
	Failures               []RollbackFailure `json:"failures,omitempty"`
	PartialRecovery        bool              `json:"partial_recovery"`
	RecoveryInstructions   []string          `json:"recovery_instructions,omitempty"`
	ManualRecoveryRequired bool              `json:"manual_recovery_required"`
}

// Millis is a duration that serializes as whole milliseconds.
type Millis time.Duration

// MarshalJSON emits the duration in milliseconds.
func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(m).Milliseconds(), 10)), nil
}

// UnmarshalJSON reads a millisecond count.
func (m *Millis) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(time.Duration(ms) * time.Millisecond)
	return nil
}

// PhaseTimings holds wall-clock durations per protocol phase, in
// milliseconds on the wire.
type PhaseTimings struct {
	Plan     Millis `json:"plan_ms"`
	Prepare  Millis `json:"prepare_ms"`
	Validate Millis `json:"validate_ms"`
	Commit   Millis `json:"commit_ms"`
	Success  Millis `json:"success_ms"`
}

// Metrics aggregates timing measurements for one execution.
type Metrics struct {
	TotalTime Millis       `json:"total_time_ms"`
	Phases    PhaseTimings `json:"phases"`
}

// Result is the outcome of one full transaction run.
type Result struct {
	Success       bool              `json:"success"`
	CorrelationID string            `json:"correlation_id"`
	FinalPhase    models.Phase      `json:"final_phase"`
	NoteRename    models.NoteRename `json:"note_rename"`
	LinksUpdated  int               `json:"links_updated"`
	UpdatedFiles  []string          `json:"updated_files,omitempty"`
	Rollback      *RollbackResult   `json:"rollback,omitempty"`
	Error         string            `json:"error,omitempty"`
	Metrics       Metrics           `json:"metrics"`
}
