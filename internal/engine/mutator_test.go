package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/config"
	"github.com/raphaelgruber/enrich/internal/memgraph"
	"github.com/raphaelgruber/enrich/internal/metrics"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var abc = models.NewLabelSet("A", "B", "C")

func newTarget(t *testing.T, key, entityType, provenance string, expected int, status models.Status) *models.MutationTarget {
	t.Helper()
	tgt, err := models.NewTarget(key, entityType, models.Predicate{Provenance: provenance}, abc, abc, expected, status)
	require.NoError(t, err)
	return tgt
}

func residual(t *testing.T, g *memgraph.Graph, tgt *models.MutationTarget) int {
	t.Helper()
	n, err := g.Count(context.Background(), tgt.Match.Without(tgt.FinalLabels))
	require.NoError(t, err)
	return n
}

func labeled(t *testing.T, g *memgraph.Graph, tgt *models.MutationTarget) int {
	t.Helper()
	n, err := g.CountWithLabels(context.Background(), tgt.Match, tgt.FinalLabels)
	require.NoError(t, err)
	return n
}

func TestEnrichFiveThousandInBatchesOfFifty(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 5000, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 5000, models.StatusNeedsEnhancement)

	n, err := NewMutator(g).Enrich(context.Background(), tgt, 50)
	require.NoError(t, err)

	assert.Equal(t, 5000, n)
	assert.Equal(t, 100, g.Calls().ApplyLabels, "one apply per batch")
	assert.Equal(t, 101, g.Calls().SelectBatch, "final empty selection ends the loop")
	assert.Equal(t, 5000, labeled(t, g, tgt))
	assert.Equal(t, 0, residual(t, g, tgt))
}

func TestEnrichUnevenLastBatch(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 1234, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 1234, models.StatusNeedsEnhancement)

	n, err := NewMutator(g).Enrich(context.Background(), tgt, 100)
	require.NoError(t, err)
	assert.Equal(t, 1234, n)
	assert.Equal(t, 13, g.Calls().ApplyLabels)
	assert.Equal(t, 0, residual(t, g, tgt))
}

func TestEnrichIdempotent(t *testing.T) {
	ctx := context.Background()
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 300, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 300, models.StatusNeedsEnhancement)
	m := NewMutator(g)

	first, err := m.Enrich(ctx, tgt, 64)
	require.NoError(t, err)
	afterFirst := labeled(t, g, tgt)

	g.ResetCalls()
	second, err := m.Enrich(ctx, tgt, 64)
	require.NoError(t, err)

	assert.Equal(t, 300, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, afterFirst, labeled(t, g, tgt))
	assert.Equal(t, 0, g.Calls().ApplyLabels)

	labels, ok := g.Labels("doc-0")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, labels.Strings())
}

func TestEnrichSelectsPartiallyLabeled(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("done", "Document", "wave1", 10, abc)
	g.AddGroup("half", "Document", "wave1", 10, models.NewLabelSet("A"))
	g.AddGroup("fresh", "Document", "wave1", 10, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 30, models.StatusNeedsEnhancement)

	n, err := NewMutator(g).Enrich(context.Background(), tgt, 7)
	require.NoError(t, err)
	assert.Equal(t, 20, n, "entities already carrying every final label are never selected")
	assert.Equal(t, 30, labeled(t, g, tgt))
}

func TestEnrichLeavesOtherGroupsAlone(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 50, models.NewLabelSet())
	g.AddGroup("movie", "Movie", "imdb", 50, models.NewLabelSet())
	g.AddGroup("other", "Document", "wave2", 50, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 50, models.StatusNeedsEnhancement)

	_, err := NewMutator(g).Enrich(context.Background(), tgt, 20)
	require.NoError(t, err)

	for _, ref := range []models.EntityRef{"movie-0", "other-49"} {
		labels, _ := g.Labels(ref)
		assert.True(t, labels.IsEmpty(), "%s must not be labeled", ref)
	}
}

func TestEnrichAlreadyEnhancedTouchesNothing(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 10, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 4200, models.StatusAlreadyEnhanced)

	n, err := NewMutator(g).Enrich(context.Background(), tgt, 50)
	require.NoError(t, err)
	assert.Equal(t, 4200, n, "configured count is reported as-is")
	assert.Equal(t, memgraph.Calls{}, g.Calls(), "no store call of any kind")
}

func TestEnrichExpectedZero(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 10, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 0, models.StatusNeedsEnhancement)

	n, err := NewMutator(g).Enrich(context.Background(), tgt, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, memgraph.Calls{}, g.Calls())
}

func TestEnrichRejectsBadBatchSize(t *testing.T) {
	tgt := newTarget(t, "docs", "Document", "wave1", 1, models.StatusNeedsEnhancement)
	_, err := NewMutator(memgraph.New()).Enrich(context.Background(), tgt, 0)
	assert.Error(t, err)
}

func TestEnrichStoreErrorKeepsEarlierBatches(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 100, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 100, models.StatusNeedsEnhancement)

	applies := 0
	g.OnApply(func(g *memgraph.Graph, _ []models.EntityRef) {
		applies++
		if applies == 2 {
			g.FailOn(memgraph.OpApplyLabels, errors.New("connection reset"))
		}
	})

	n, err := NewMutator(g).Enrich(context.Background(), tgt, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreConnection))
	assert.Equal(t, 20, n)
	assert.Equal(t, 3, g.Calls().ApplyLabels, "no retry after the failing call")

	g.FailOn(memgraph.OpApplyLabels, nil)
	assert.Equal(t, 20, labeled(t, g, tgt), "committed batches stay applied")
}

func TestEnrichSelectError(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 10, models.NewLabelSet())
	g.FailOn(memgraph.OpSelectBatch, errors.New("timeout"))
	tgt := newTarget(t, "docs", "Document", "wave1", 10, models.StatusNeedsEnhancement)

	_, err := NewMutator(g).Enrich(context.Background(), tgt, 10)
	assert.True(t, errors.Is(err, ErrStoreConnection))
	assert.Equal(t, 0, g.Calls().ApplyLabels)
}

// stallStore selects entities but never updates them.
type stallStore struct {
	*memgraph.Graph
}

func (stallStore) ApplyLabels(context.Context, []models.EntityRef, models.LabelSet) (int, error) {
	return 0, nil
}

func TestEnrichDetectsStall(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 10, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 10, models.StatusNeedsEnhancement)

	_, err := NewMutator(stallStore{g}).Enrich(context.Background(), tgt, 5)
	assert.True(t, errors.Is(err, ErrNoProgress))
}

// touchOnlyStore reports every selected row as updated without changing it,
// the way an UPDATE that adds labels the entity already carries does.
type touchOnlyStore struct {
	*memgraph.Graph
}

func (touchOnlyStore) ApplyLabels(_ context.Context, refs []models.EntityRef, _ models.LabelSet) (int, error) {
	return len(refs), nil
}

func TestEnrichStopsWhenBatchReselects(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 3, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 3, models.StatusNeedsEnhancement)

	var buf bytes.Buffer
	n, err := NewMutator(touchOnlyStore{g}, WithMutatorAudit(audit.NewWriter(&buf, "run", nil))).
		Enrich(context.Background(), tgt, 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProgress))
	assert.Contains(t, err.Error(), "reselected")
	assert.Equal(t, 3, n, "each entity is counted once")
	assert.Equal(t, 2, g.Calls().SelectBatch)

	entries, err := audit.Read(&buf)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, audit.OpEnrich, last.Operation)
	assert.Equal(t, models.AuditFailure, last.Status)
}

func TestEnrichTargetFromFileWithRequiredLabel(t *testing.T) {
	plan, err := config.ParseTargets([]byte(`
operation: op
phase: phase2
wave: wave1
vocabulary:
  Document: [Document, Classified]
baseline:
  description: movies
  match:
    entity_type: Movie
  expected_count: 0
targets:
  docs:
    entity_type: Document
    match:
      provenance: wave1
      has_labels: [Document]
    labels_to_add: [Classified]
    final_labels: [Document, Classified]
    expected_count: 3
`), "yaml")
	require.NoError(t, err)
	docs := plan.Targets["docs"]

	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 3, models.NewLabelSet("Document"))
	g.AddGroup("bare", "Document", "wave1", 2, models.NewLabelSet())

	n, err := NewMutator(g).Enrich(context.Background(), docs, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, g.Calls().ApplyLabels)

	labels, _ := g.Labels("bare-0")
	assert.True(t, labels.IsEmpty(), "entities outside has_labels are not touched")
}

func TestEnrichMaxBatches(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 100, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 100, models.StatusNeedsEnhancement)

	n, err := NewMutator(g, WithMaxBatches(5)).Enrich(context.Background(), tgt, 10)
	assert.True(t, errors.Is(err, ErrNoProgress))
	assert.Equal(t, 50, n)
}

func TestRemaining(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("done", "Document", "wave1", 4, abc)
	g.AddGroup("doc", "Document", "wave1", 6, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 10, models.StatusNeedsEnhancement)

	n, err := NewMutator(g).Remaining(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 0, g.Calls().ApplyLabels)
	assert.Equal(t, 0, g.Calls().SelectBatch)

	g.FailOn(memgraph.OpCount, errors.New("gone"))
	_, err = NewMutator(g).Remaining(context.Background(), tgt)
	assert.True(t, errors.Is(err, ErrStoreConnection))
}

func TestEnrichCancelledWhilePaced(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 10, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 10, models.StatusNeedsEnhancement)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMutator(g, WithRateLimit(1)).Enrich(ctx, tgt, 5)
	assert.True(t, errors.Is(err, ErrStoreConnection))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, g.Calls().SelectBatch)
}

func TestEnrichReportsBatches(t *testing.T) {
	g := memgraph.New()
	g.AddGroup("doc", "Document", "wave1", 25, models.NewLabelSet())
	tgt := newTarget(t, "docs", "Document", "wave1", 25, models.StatusNeedsEnhancement)

	var buf bytes.Buffer
	rec := audit.NewWriter(&buf, "run-1", nil)
	collector := metrics.NewCollector(nil)
	var events []BatchEvent

	m := NewMutator(g,
		WithMutatorAudit(rec),
		WithMutatorMetrics(collector),
		WithBatchObserver(func(e BatchEvent) { events = append(events, e) }),
	)
	_, err := m.Enrich(context.Background(), tgt, 10)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, BatchEvent{Target: "docs", Batch: 3, Selected: 5, Applied: 5, Total: 25, Expected: 25}, events[2])
	assert.Equal(t, metrics.TargetSnapshot{Batches: 3, Labeled: 25}, collector.Snapshot().Targets["docs"])

	entries, err := audit.Read(&buf)
	require.NoError(t, err)
	p := audit.Summarize(entries)
	require.Contains(t, p.Targets, "docs")
	assert.Equal(t, 3, p.Targets["docs"].Batches)
	assert.Equal(t, 25, p.Targets["docs"].Labeled)
	assert.True(t, p.Targets["docs"].Finished)
}
