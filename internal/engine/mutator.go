package engine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/metrics"
	"github.com/raphaelgruber/enrich/internal/models"
	"golang.org/x/time/rate"
)

// BatchEvent describes one applied batch.
type BatchEvent struct {
	Target   string
	Batch    int
	Selected int
	Applied  int
	Total    int
	Expected int
}

// Mutator applies a target's labels in batches until no entity is left to label.
type Mutator struct {
	store      GraphStore
	limiter    *rate.Limiter
	maxBatches int
	onBatch    func(BatchEvent)
	audit      audit.Recorder
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

// WithRateLimit paces batches to at most perSecond. Zero or negative disables pacing.
func WithRateLimit(perSecond float64) MutatorOption {
	return func(m *Mutator) {
		if perSecond > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithMaxBatches stops a target's loop with ErrNoProgress after n batches. Zero means unlimited.
func WithMaxBatches(n int) MutatorOption {
	return func(m *Mutator) { m.maxBatches = n }
}

// WithBatchObserver registers fn to be called after every applied batch.
func WithBatchObserver(fn func(BatchEvent)) MutatorOption {
	return func(m *Mutator) { m.onBatch = fn }
}

// WithMutatorAudit sets the audit recorder.
func WithMutatorAudit(r audit.Recorder) MutatorOption {
	return func(m *Mutator) { m.audit = r }
}

// WithMutatorLogger sets the logger.
func WithMutatorLogger(l *slog.Logger) MutatorOption {
	return func(m *Mutator) { m.logger = l }
}

// WithMutatorMetrics sets the metrics collector.
func WithMutatorMetrics(c *metrics.Collector) MutatorOption {
	return func(m *Mutator) { m.metrics = c }
}

// NewMutator creates a Mutator over store.
func NewMutator(store GraphStore, opts ...MutatorOption) *Mutator {
	m := &Mutator{
		store:  store,
		audit:  audit.Discard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mutator")
	return m
}

// Enrich labels every entity of target that does not yet carry all of its
// final labels and returns how many entities were updated.
//
// Each iteration selects up to batchSize entities matching
// target.Match AND NOT final_labels from scratch, with no offset. Labeling a
// batch removes it from that predicate, so the loop ends exactly when the
// group is complete. Because label application is an idempotent union, an
// interrupted run is resumed by calling Enrich again; no cursor is stored.
//
// A target with no expected entities returns 0 without querying. An
// ALREADY_ENHANCED target returns its configured expected count unverified.
// Store errors are returned immediately; batches applied before the error
// stay applied. A batch that reselects an entity labeled earlier in the same
// call fails with ErrNoProgress before anything is applied to it.
func (m *Mutator) Enrich(ctx context.Context, target *models.MutationTarget, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, errors.Newf("batch size must be positive, got %d", batchSize)
	}
	log := m.logger.With("target", target.Key)

	switch {
	case target.Status == models.StatusAlreadyEnhanced:
		log.Info("target already enhanced, skipping", "expected", target.ExpectedCount())
		m.record(audit.OpEnrich, models.AuditSkipped, map[string]any{
			"target":   target.Key,
			"reason":   "already_enhanced",
			"enhanced": target.ExpectedCount(),
		})
		return target.ExpectedCount(), nil
	case target.ExpectedCount() == 0:
		log.Info("target has no expected entities, skipping")
		m.record(audit.OpEnrich, models.AuditSkipped, map[string]any{
			"target":   target.Key,
			"reason":   "expected_count_zero",
			"enhanced": 0,
		})
		return 0, nil
	}

	pending := target.Match.Without(target.FinalLabels)

	m.record(audit.OpEnrich, models.AuditStarted, map[string]any{
		"target":        target.Key,
		"labels_to_add": target.LabelsToAdd.Strings(),
		"final_labels":  target.FinalLabels.Strings(),
		"batch_size":    batchSize,
	})

	total, err := m.loop(ctx, target, pending, batchSize, log)
	if err != nil {
		m.record(audit.OpEnrich, models.AuditFailure, map[string]any{
			"target":   target.Key,
			"enhanced": total,
			"error":    err.Error(),
		})
		return total, err
	}

	log.Info("target enriched", "enhanced", total, "expected", target.ExpectedCount())
	m.record(audit.OpEnrich, models.AuditSuccess, map[string]any{
		"target":   target.Key,
		"enhanced": total,
	})
	return total, nil
}

// Remaining counts the entities of target that still lack one of its final
// labels, the work Enrich would do. It never mutates.
func (m *Mutator) Remaining(ctx context.Context, target *models.MutationTarget) (int, error) {
	n, err := m.store.Count(ctx, target.Match.Without(target.FinalLabels))
	if err != nil {
		return 0, storeErr(err, "count remaining for %s", target.Key)
	}
	m.logger.Debug("remaining work", "target", target.Key, "remaining", n, "expected", target.ExpectedCount())
	return n, nil
}

func (m *Mutator) loop(ctx context.Context, target *models.MutationTarget, pending models.Predicate, batchSize int, log *slog.Logger) (int, error) {
	total := 0
	seen := make(map[models.EntityRef]int)
	for batch := 1; ; batch++ {
		if m.maxBatches > 0 && batch > m.maxBatches {
			return total, errors.Mark(
				errors.Newf("target %s still has work after %d batches", target.Key, m.maxBatches),
				ErrNoProgress)
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return total, storeErr(err, "wait for batch %d", batch)
			}
		}

		refs, err := m.store.SelectBatch(ctx, pending, batchSize)
		if err != nil {
			err = storeErr(err, "select batch %d of %s", batch, target.Key)
			m.recordBatchFailure(target.Key, batch, err)
			return total, err
		}
		if len(refs) == 0 {
			return total, nil
		}
		for _, ref := range refs {
			if earlier, ok := seen[ref]; ok {
				err := errors.Mark(
					errors.Newf("batch %d of %s reselected %s, already labeled in batch %d", batch, target.Key, ref, earlier),
					ErrNoProgress)
				m.recordBatchFailure(target.Key, batch, err)
				return total, err
			}
			seen[ref] = batch
		}

		applied, err := m.store.ApplyLabels(ctx, refs, target.LabelsToAdd)
		if err != nil {
			err = storeErr(err, "apply labels to batch %d of %s", batch, target.Key)
			m.recordBatchFailure(target.Key, batch, err)
			return total, err
		}
		if applied == 0 {
			err := errors.Mark(
				errors.Newf("batch %d of %s selected %d entities but updated none", batch, target.Key, len(refs)),
				ErrNoProgress)
			m.recordBatchFailure(target.Key, batch, err)
			return total, err
		}
		total += applied

		m.record(audit.OpBatch, models.AuditSuccess, map[string]any{
			"target":   target.Key,
			"batch":    batch,
			"selected": len(refs),
			"applied":  applied,
			"total":    total,
		})
		log.Info("batch applied", "batch", batch, "selected", len(refs), "applied", applied, "total", total)
		if m.metrics != nil {
			m.metrics.RecordBatch(target.Key, applied)
		}
		if m.onBatch != nil {
			m.onBatch(BatchEvent{
				Target:   target.Key,
				Batch:    batch,
				Selected: len(refs),
				Applied:  applied,
				Total:    total,
				Expected: target.ExpectedCount(),
			})
		}
	}
}

func (m *Mutator) recordBatchFailure(key string, batch int, err error) {
	m.logger.Error("batch failed", "target", key, "batch", batch, "error", err)
	m.record(audit.OpBatch, models.AuditFailure, map[string]any{
		"target": key,
		"batch":  batch,
		"error":  err.Error(),
	})
}

func (m *Mutator) record(op string, status models.AuditStatus, details map[string]any) {
	if err := m.audit.Record(op, status, details); err != nil {
		m.logger.Error("audit write failed", "operation", op, "error", err)
	}
}
