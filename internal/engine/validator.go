package engine

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/models"
)

// LabelReport is the outcome of a label count check.
type LabelReport struct {
	Target   string `json:"target"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
	Residual int    `json:"residual"`
	Valid    bool   `json:"valid"`
}

// BaselineReport is the outcome of a baseline check.
type BaselineReport struct {
	Description string `json:"description"`
	Expected    int    `json:"expected"`
	Actual      int    `json:"actual"`
	Valid       bool   `json:"valid"`
}

// Validator re-queries the graph store after mutation.
type Validator struct {
	store  GraphStore
	audit  audit.Recorder
	logger *slog.Logger
}

// NewValidator creates a Validator. rec and logger may be nil.
func NewValidator(store GraphStore, rec audit.Recorder, logger *slog.Logger) *Validator {
	if rec == nil {
		rec = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, audit: rec, logger: logger.With("component", "validator")}
}

// ValidateLabels counts the target entities carrying every final label and the
// ones still missing some. The report is valid when the first equals the
// expected count and the second is zero. An invalid report is a warning, not
// an error; err is only set when the store fails.
func (v *Validator) ValidateLabels(ctx context.Context, target *models.MutationTarget) (LabelReport, error) {
	report := LabelReport{Target: target.Key, Expected: target.ExpectedCount()}

	actual, err := v.store.CountWithLabels(ctx, target.Match, target.FinalLabels)
	if err != nil {
		err = storeErr(err, "count labeled %s", target.Key)
		v.record(audit.OpValidateLabels, models.AuditFailure, map[string]any{"target": target.Key, "error": err.Error()})
		return report, err
	}
	residual, err := v.store.Count(ctx, target.Match.Without(target.FinalLabels))
	if err != nil {
		err = storeErr(err, "count residual %s", target.Key)
		v.record(audit.OpValidateLabels, models.AuditFailure, map[string]any{"target": target.Key, "error": err.Error()})
		return report, err
	}

	report.Actual = actual
	report.Residual = residual
	report.Valid = actual == report.Expected && residual == 0

	status := models.AuditSuccess
	if !report.Valid {
		status = models.AuditWarning
		v.logger.Warn("label count mismatch",
			"target", target.Key, "expected", report.Expected, "actual", actual, "residual", residual)
	}
	v.record(audit.OpValidateLabels, status, map[string]any{
		"target":   target.Key,
		"expected": report.Expected,
		"actual":   actual,
		"residual": residual,
	})
	return report, nil
}

// ValidateBaseline counts the baseline population and compares it to its
// expected count. Any deviation is critical.
func (v *Validator) ValidateBaseline(ctx context.Context, baseline models.Baseline) (BaselineReport, error) {
	report := BaselineReport{Description: baseline.Description, Expected: baseline.ExpectedCount}

	actual, err := v.store.Count(ctx, baseline.Match)
	if err != nil {
		err = storeErr(err, "count baseline")
		v.record(audit.OpValidateBaseline, models.AuditFailure, map[string]any{"error": err.Error()})
		return report, err
	}
	report.Actual = actual
	report.Valid = actual == baseline.ExpectedCount

	status := models.AuditSuccess
	if !report.Valid {
		status = models.AuditCritical
		v.logger.Error("baseline invariant violated",
			"baseline", baseline.Description, "expected", baseline.ExpectedCount, "actual", actual)
	}
	v.record(audit.OpValidateBaseline, status, map[string]any{
		"baseline": baseline.Description,
		"expected": baseline.ExpectedCount,
		"actual":   actual,
	})
	return report, nil
}

func (v *Validator) record(op string, status models.AuditStatus, details map[string]any) {
	if err := v.audit.Record(op, status, details); err != nil {
		v.logger.Error("audit write failed", "operation", op, "error", err)
	}
}
