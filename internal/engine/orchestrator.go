package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/metrics"
	"github.com/raphaelgruber/enrich/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/raphaelgruber/enrich/internal/engine"

// DefaultBatchSize is used when no batch size is configured.
const DefaultBatchSize = 500

// TargetCount is one row of the precheck.
type TargetCount struct {
	Target    string        `json:"target"`
	Status    models.Status `json:"status"`
	Expected  int           `json:"expected"`
	Actual    int           `json:"actual"`
	Remaining int           `json:"remaining"`
}

// Result describes how far a run got and what it found.
type Result struct {
	RunID string `json:"run_id"`

	// State is the terminal state reached (or PRECHECK for precheck-only runs).
	State State `json:"state"`
	// FailedIn is the state that was running when the run went to FAILED or ABORTED.
	FailedIn State `json:"failed_in,omitempty"`
	Err      error `json:"-"`

	Precheck       []TargetCount            `json:"precheck"`
	Enhanced       map[string]int           `json:"enhanced"`
	Labels         []LabelReport            `json:"labels"`
	Baseline       *BaselineReport          `json:"baseline,omitempty"`
	PreCheckpoint  string                   `json:"pre_checkpoint,omitempty"`
	PostCheckpoint string                   `json:"post_checkpoint,omitempty"`
	Warnings       []string                 `json:"warnings,omitempty"`
	Statuses       map[string]models.Status `json:"statuses"`
}

// ExitCode is 0 for a clean DONE and 1 otherwise.
func (r *Result) ExitCode() int {
	if r.State == StateDone && len(r.Warnings) == 0 {
		return 0
	}
	return 1
}

// Orchestrator drives one run through the state machine.
type Orchestrator struct {
	store       GraphStore
	checkpoints Checkpointer
	mutator     *Mutator
	validator   *Validator
	audit       audit.Recorder
	logger      *slog.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer
	runID       string
	batchSize   int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunID sets the run id stamped on checkpoints. Defaults to a new UUID.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithBatchSize sets the mutator batch size.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) { o.batchSize = n }
}

// WithAudit sets the audit recorder used for transitions and summaries.
func WithAudit(r audit.Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithMutator replaces the default mutator, e.g. to add pacing or an observer.
func WithMutator(m *Mutator) Option {
	return func(o *Orchestrator) { o.mutator = m }
}

// NewOrchestrator wires a run over store and checkpoints.
func NewOrchestrator(store GraphStore, checkpoints Checkpointer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		checkpoints: checkpoints,
		audit:       audit.Discard,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		batchSize:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	o.logger = o.logger.With("component", "orchestrator", "run_id", o.runID)
	if o.mutator == nil {
		o.mutator = NewMutator(store,
			WithMutatorAudit(o.audit),
			WithMutatorLogger(o.logger),
			WithMutatorMetrics(o.metrics))
	}
	o.validator = NewValidator(store, o.audit, o.logger)
	return o
}

// RunID returns the id of the run this orchestrator drives.
func (o *Orchestrator) RunID() string { return o.runID }

// run tracks the state machine of one invocation.
type run struct {
	o      *Orchestrator
	ctx    context.Context
	res    *Result
	span   trace.Span
	parent context.Context
}

func (o *Orchestrator) start(ctx context.Context) *run {
	res := &Result{
		RunID:    o.runID,
		State:    StateInit,
		Enhanced: make(map[string]int),
		Statuses: make(map[string]models.Status),
	}
	parent, _ := o.tracer.Start(ctx, "enrich.run", trace.WithAttributes(attribute.String("run_id", o.runID)))
	r := &run{o: o, ctx: parent, parent: parent, res: res}
	r.ctx, r.span = o.tracer.Start(parent, string(StateInit))
	if o.metrics != nil {
		o.metrics.RecordState(string(StateInit))
	}
	return r
}

// enter audits the transition to next and then starts its span. A transition
// that cannot be audited is not taken.
func (r *run) enter(next State) error {
	from := r.res.State
	if !CanTransition(from, next) {
		return errors.AssertionFailedf("illegal transition %s -> %s", from, next)
	}
	if err := r.o.audit.Record(audit.OpTransition, models.AuditSuccess, map[string]any{
		"from": string(from),
		"to":   string(next),
	}); err != nil {
		return errors.Mark(errors.Wrapf(err, "record transition %s -> %s", from, next), ErrAuditWrite)
	}

	r.span.End()
	r.res.State = next
	r.ctx, r.span = r.o.tracer.Start(r.parent, string(next))
	r.o.logger.Info("state", "from", from, "to", next)
	if r.o.metrics != nil {
		r.o.metrics.RecordState(string(next))
	}
	return nil
}

// stop moves the run to ABORTED or FAILED because of cause.
func (r *run) stop(to State, cause error) {
	r.res.FailedIn = r.res.State
	r.res.Err = cause
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, cause.Error())

	if err := r.o.audit.Record(audit.OpTransition, Severity(cause), map[string]any{
		"from":  string(r.res.State),
		"to":    string(to),
		"error": cause.Error(),
	}); err != nil {
		r.o.logger.Error("audit write failed", "operation", audit.OpTransition, "error", err)
	}

	r.span.End()
	r.res.State = to
	r.ctx, r.span = r.o.tracer.Start(r.parent, string(to))
	r.o.logger.Error("run stopped", "state", to, "failed_in", r.res.FailedIn, "error", cause)
	if r.o.metrics != nil {
		r.o.metrics.RecordState(string(to))
	}
}

func (r *run) finish() {
	r.span.End()
	root := trace.SpanFromContext(r.parent)
	root.SetAttributes(attribute.String("state", string(r.res.State)))
	if r.res.Err != nil {
		root.SetStatus(codes.Error, r.res.Err.Error())
	}
	root.End()

	details := map[string]any{
		"state":    string(r.res.State),
		"enhanced": r.res.Enhanced,
		"warnings": r.res.Warnings,
	}
	if r.res.FailedIn != "" {
		details["failed_in"] = string(r.res.FailedIn)
	}
	if r.res.Err != nil {
		details["error"] = r.res.Err.Error()
	}
	status := models.AuditSuccess
	switch {
	case r.res.Err != nil:
		status = Severity(r.res.Err)
	case len(r.res.Warnings) > 0:
		status = models.AuditWarning
	}
	if err := r.o.audit.Record(audit.OpSummary, status, details); err != nil {
		r.o.logger.Error("audit write failed", "operation", audit.OpSummary, "error", err)
	}
}

// Precheck runs INIT -> PRECHECK and stops. With remaining set it also counts
// how many entities per target still lack their final labels.
func (o *Orchestrator) Precheck(ctx context.Context, plan *models.Plan, remaining bool) (*Result, error) {
	r := o.start(ctx)
	defer r.finish()

	if err := r.enter(StatePrecheck); err != nil {
		r.stop(StateFailed, err)
		return r.res, err
	}
	if err := o.precheck(r, plan, remaining); err != nil {
		return r.res, err
	}
	o.snapshotStatuses(r.res, plan)
	return r.res, nil
}

// Run drives plan through every state. The returned error is nil only when the
// run reached DONE; label warnings are reported in Result.Warnings.
func (o *Orchestrator) Run(ctx context.Context, plan *models.Plan) (*Result, error) {
	r := o.start(ctx)
	defer r.finish()

	steps := []struct {
		state State
		fn    func(*run, *models.Plan) error
	}{
		{StatePrecheck, func(r *run, p *models.Plan) error { return o.precheck(r, p, false) }},
		{StatePreCheckpoint, func(r *run, p *models.Plan) error { return o.checkpoint(r, p, models.StagePreMutation) }},
		{StateMutating, o.mutate},
		{StateLabelValidation, o.validateLabels},
		{StateBaselineValidation, o.validateBaseline},
		{StatePostCheckpoint, func(r *run, p *models.Plan) error { return o.checkpoint(r, p, models.StagePostMutation) }},
		{StateDone, o.complete},
	}
	for _, step := range steps {
		if err := r.enter(step.state); err != nil {
			r.stop(StateFailed, err)
			return r.res, err
		}
		if err := step.fn(r, plan); err != nil {
			return r.res, err
		}
	}
	return r.res, nil
}

func (o *Orchestrator) precheck(r *run, plan *models.Plan, remaining bool) error {
	var mismatches []string
	for _, key := range plan.Keys() {
		t := plan.Targets[key]
		row := TargetCount{Target: key, Status: t.Status, Expected: t.ExpectedCount()}
		if t.Status != models.StatusNeedsEnhancement {
			r.res.Precheck = append(r.res.Precheck, row)
			continue
		}

		actual, err := o.store.Count(r.ctx, t.Match)
		if err != nil {
			err = storeErr(err, "count target %s", key)
			o.record(audit.OpPrecheck, models.AuditFailure, map[string]any{"target": key, "error": err.Error()})
			r.stop(StateFailed, err)
			return err
		}
		row.Actual = actual
		if remaining {
			n, err := o.mutator.Remaining(r.ctx, t)
			if err != nil {
				r.stop(StateFailed, err)
				return err
			}
			row.Remaining = n
		}
		r.res.Precheck = append(r.res.Precheck, row)

		status := models.AuditSuccess
		if actual != row.Expected {
			status = models.AuditFailure
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %d, found %d", key, row.Expected, actual))
		}
		o.record(audit.OpPrecheck, status, map[string]any{
			"target":   key,
			"expected": row.Expected,
			"actual":   actual,
		})
	}

	baseline, err := o.validator.ValidateBaseline(r.ctx, plan.Baseline)
	if err != nil {
		r.stop(StateFailed, err)
		return err
	}
	r.res.Baseline = &baseline
	if !baseline.Valid {
		mismatches = append(mismatches, fmt.Sprintf("baseline %q: expected %d, found %d",
			baseline.Description, baseline.Expected, baseline.Actual))
	}

	if len(mismatches) > 0 {
		err := errors.Mark(errors.Newf("precheck failed: %v", mismatches), ErrTargetCountMismatch)
		r.stop(StateAborted, err)
		return err
	}
	return nil
}

func (o *Orchestrator) checkpoint(r *run, plan *models.Plan, stage string) error {
	id, err := o.checkpoints.Create(r.ctx, plan.Operation, plan.Phase, plan.Wave, map[string]any{
		"run_id": o.runID,
		"stage":  stage,
	})
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "%s checkpoint", stage), ErrCheckpointWrite)
		r.stop(StateFailed, err)
		return err
	}
	r.span.SetAttributes(attribute.String("checkpoint_id", id))
	if stage == models.StagePreMutation {
		r.res.PreCheckpoint = id
	} else {
		r.res.PostCheckpoint = id
	}
	return nil
}

func (o *Orchestrator) mutate(r *run, plan *models.Plan) error {
	for _, key := range plan.Keys() {
		t := plan.Targets[key]
		if t.Status == models.StatusEnhanced || t.Status == models.StatusSkipped {
			o.record(audit.OpEnrich, models.AuditSkipped, map[string]any{
				"target": key,
				"reason": string(t.Status),
			})
			continue
		}
		n, err := o.mutator.Enrich(r.ctx, t, o.batchSize)
		r.res.Enhanced[key] = n
		if err != nil {
			r.stop(StateFailed, err)
			return err
		}
	}
	return nil
}

func (o *Orchestrator) validateLabels(r *run, plan *models.Plan) error {
	for _, key := range plan.Keys() {
		t := plan.Targets[key]
		if t.Status != models.StatusNeedsEnhancement || t.ExpectedCount() == 0 {
			continue
		}
		report, err := o.validator.ValidateLabels(r.ctx, t)
		if err != nil {
			r.stop(StateFailed, err)
			return err
		}
		r.res.Labels = append(r.res.Labels, report)
		if !report.Valid {
			warning := errors.Mark(errors.Newf("%s: expected %d labeled, found %d (%d still missing labels)",
				key, report.Expected, report.Actual, report.Residual), ErrLabelCountMismatch)
			r.res.Warnings = append(r.res.Warnings, warning.Error())
		}
	}
	return nil
}

func (o *Orchestrator) validateBaseline(r *run, plan *models.Plan) error {
	report, err := o.validator.ValidateBaseline(r.ctx, plan.Baseline)
	if err != nil {
		r.stop(StateFailed, err)
		return err
	}
	r.res.Baseline = &report
	if !report.Valid {
		err := errors.Mark(errors.Newf("baseline %q: expected %d, found %d",
			report.Description, report.Expected, report.Actual), ErrBaselineInvariantViolation)
		r.stop(StateAborted, err)
		return err
	}
	return nil
}

func (o *Orchestrator) complete(r *run, plan *models.Plan) error {
	for _, key := range plan.Keys() {
		t := plan.Targets[key]
		if t.Status != models.StatusNeedsEnhancement {
			continue
		}
		from := t.Status
		var err error
		if t.ExpectedCount() == 0 {
			err = t.MarkSkipped()
		} else {
			err = t.MarkEnhanced()
		}
		if err != nil {
			return err
		}
		o.record(audit.OpTargetStatus, models.AuditSuccess, map[string]any{
			"target": key,
			"from":   string(from),
			"to":     string(t.Status),
		})
	}
	o.snapshotStatuses(r.res, plan)
	return nil
}

func (o *Orchestrator) snapshotStatuses(res *Result, plan *models.Plan) {
	for key, t := range plan.Targets {
		res.Statuses[key] = t.Status
	}
}

func (o *Orchestrator) record(op string, status models.AuditStatus, details map[string]any) {
	if err := o.audit.Record(op, status, details); err != nil {
		o.logger.Error("audit write failed", "operation", op, "error", err)
	}
}
