package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/starford/raido/internal/models"
)

// Kind classifies a transaction failure. One kind per phase plus the
// stale-content conflict and two outer wrappers.
type Kind string

// Failure kinds.
const (
	KindPlanFailed        Kind = "plan_failed"
	KindPrepareFailed     Kind = "prepare_failed"
	KindValidateFailed    Kind = "validate_failed"
	KindStaleContent      Kind = "stale_content"
	KindCommitFailed      Kind = "commit_failed"
	KindRollbackFailed    Kind = "rollback_failed"
	KindTransactionFailed Kind = "transaction_failed"
)

// PhaseError is a typed failure raised by one phase of the rename protocol.
// Paths names the files involved; for stale-content failures it lists every
// file whose hash diverged from the plan-time snapshot.
type PhaseError struct {
	Phase models.Phase
	Kind  Kind
	Paths []string
	Err   error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("txn: %s", strings.ReplaceAll(string(e.Kind), "_", " "))
	if len(e.Paths) > 0 {
		msg += ": " + strings.Join(e.Paths, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// IsKind reports whether any PhaseError in err's chain has the given kind.
// Wrapper kinds do not mask the underlying phase kind.
func IsKind(err error, k Kind) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if pe, ok := e.(*PhaseError); ok && pe.Kind == k {
			return true
		}
	}
	return false
}

// Failed wraps a phase failure for outer callers that only need to know the
// rename as a whole did not happen. The underlying phase kind stays
// reachable through IsKind.
func Failed(err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: models.PhaseAbort, Kind: KindTransactionFailed, Err: err}
}

func phaseErr(phase models.Phase, kind Kind, err error, paths ...string) *PhaseError {
	return &PhaseError{Phase: phase, Kind: kind, Paths: paths, Err: err}
}
