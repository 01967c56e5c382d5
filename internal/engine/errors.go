package engine

import (
	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/models"
)

var (
	// ErrStoreConnection marks any failure talking to the graph store. Fatal.
	ErrStoreConnection = errors.New("graph store failure")

	// ErrLabelCountMismatch marks a post-run label count that differs from the
	// configured expectation. Warning: the run continues.
	ErrLabelCountMismatch = errors.New("label count mismatch")

	// ErrBaselineInvariantViolation marks a baseline population whose count moved.
	// Critical: the run aborts before the post-mutation checkpoint.
	ErrBaselineInvariantViolation = errors.New("baseline invariant violated")

	// ErrCheckpointWrite marks a checkpoint that could not be persisted.
	ErrCheckpointWrite = checkpoint.ErrWriteFailed

	// ErrTargetCountMismatch marks a precheck where a target group does not
	// have its expected size.
	ErrTargetCountMismatch = errors.New("target count mismatch")

	// ErrNoProgress marks a batch loop that stopped converging.
	ErrNoProgress = errors.New("batch loop made no progress")

	// ErrAuditWrite marks a state transition that could not be recorded.
	ErrAuditWrite = errors.New("audit write failed")
)

// Severity classifies err for the audit log and the run summary.
func Severity(err error) models.AuditStatus {
	switch {
	case err == nil:
		return models.AuditSuccess
	case errors.Is(err, ErrBaselineInvariantViolation):
		return models.AuditCritical
	case errors.Is(err, ErrLabelCountMismatch):
		return models.AuditWarning
	default:
		return models.AuditFailure
	}
}

func storeErr(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStoreConnection)
}
