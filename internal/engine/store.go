// Package engine runs checkpointed, idempotent label enrichment over a graph store.
package engine

import (
	"context"
	"time"

	"github.com/raphaelgruber/enrich/internal/metrics"
	"github.com/raphaelgruber/enrich/internal/models"
)

// GraphStore is the set of primitives the engine needs from the graph store.
// Implementations: db.Client (SurrealDB) and memgraph.Graph.
type GraphStore interface {
	Count(ctx context.Context, pred models.Predicate) (int, error)
	SelectBatch(ctx context.Context, pred models.Predicate, limit int) ([]models.EntityRef, error)
	ApplyLabels(ctx context.Context, refs []models.EntityRef, labels models.LabelSet) (int, error)
	CountWithLabels(ctx context.Context, pred models.Predicate, labels models.LabelSet) (int, error)
}

// Checkpointer writes checkpoints. Satisfied by *checkpoint.Store.
type Checkpointer interface {
	Create(ctx context.Context, operation, phase, wave string, metadata map[string]any) (string, error)
}

// Instrument wraps store so every call is timed into c.
func Instrument(store GraphStore, c *metrics.Collector) GraphStore {
	if c == nil {
		return store
	}
	return &instrumented{next: store, metrics: c}
}

type instrumented struct {
	next    GraphStore
	metrics *metrics.Collector
}

func (s *instrumented) Count(ctx context.Context, pred models.Predicate) (int, error) {
	start := time.Now()
	n, err := s.next.Count(ctx, pred)
	s.metrics.RecordTiming(metrics.OpCount, time.Since(start), err)
	return n, err
}

func (s *instrumented) SelectBatch(ctx context.Context, pred models.Predicate, limit int) ([]models.EntityRef, error) {
	start := time.Now()
	refs, err := s.next.SelectBatch(ctx, pred, limit)
	s.metrics.RecordTiming(metrics.OpSelectBatch, time.Since(start), err)
	return refs, err
}

func (s *instrumented) ApplyLabels(ctx context.Context, refs []models.EntityRef, labels models.LabelSet) (int, error) {
	start := time.Now()
	n, err := s.next.ApplyLabels(ctx, refs, labels)
	s.metrics.RecordTiming(metrics.OpApplyLabels, time.Since(start), err)
	return n, err
}

func (s *instrumented) CountWithLabels(ctx context.Context, pred models.Predicate, labels models.LabelSet) (int, error) {
	start := time.Now()
	n, err := s.next.CountWithLabels(ctx, pred, labels)
	s.metrics.RecordTiming(metrics.OpCountWithLabels, time.Since(start), err)
	return n, err
}
