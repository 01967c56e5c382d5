package checkpoint_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/memgraph"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/raphaelgruber/enrich/internal/storage/badgerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseline = models.Baseline{
	Description:   "imdb movies",
	Match:         models.Predicate{Provenance: "imdb"},
	ExpectedCount: 3,
}

func testGraph() *memgraph.Graph {
	g := memgraph.New()
	g.AddGroup("movie", "Movie", "imdb", 3, models.LabelSet{})
	g.AddGroup("doc", "Document", "wave1", 2, models.LabelSet{})
	g.AddRelation(memgraph.Relation{From: "doc-0", To: "movie-0", RelType: "mentions"})
	g.AddRelation(memgraph.Relation{From: "movie-0", To: "movie-1", RelType: "sequel"})
	return g
}

func newBackend(t *testing.T) *badgerstore.Store {
	t.Helper()
	b, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// failingBackend rejects every write.
type failingBackend struct {
	checkpoint.Backend
}

func (failingBackend) Put(context.Context, *models.Checkpoint) error {
	return errors.New("disk full")
}

func TestCaptureState(t *testing.T) {
	s := checkpoint.NewStore(newBackend(t), testGraph(), checkpoint.WithBaseline(baseline))

	snap, err := s.CaptureState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.TotalEntities)
	assert.Equal(t, map[string]int{"imdb": 3, "wave1": 2}, snap.ProvenanceCounts)
	assert.Equal(t, 1, snap.CrossGroupRelations)
	require.NotNil(t, snap.BaselineCount)
	assert.Equal(t, 3, *snap.BaselineCount)
}

func TestCaptureStateWithoutBaseline(t *testing.T) {
	s := checkpoint.NewStore(newBackend(t), testGraph())

	snap, err := s.CaptureState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.BaselineCount)
}

func TestCaptureStateGraphFailure(t *testing.T) {
	g := testGraph()
	g.FailOn(memgraph.OpProvenance, errors.New("connection refused"))
	s := checkpoint.NewStore(newBackend(t), g)

	_, err := s.CaptureState(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrCaptureFailed))
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := checkpoint.NewStore(newBackend(t), testGraph(),
		checkpoint.WithBaseline(baseline),
		checkpoint.WithClock(func() time.Time { return fixed }),
	)

	id, err := s.Create(ctx, "wave_enrichment", "p1", "w1", map[string]any{
		"stage":  models.StagePreMutation,
		"run_id": "run-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cp, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, cp.ID)
	assert.Equal(t, "wave_enrichment", cp.OperationName)
	assert.Equal(t, "p1", cp.Phase)
	assert.Equal(t, "w1", cp.Wave)
	assert.True(t, fixed.Equal(cp.Timestamp))
	assert.Equal(t, models.CheckpointCreated, cp.Status)
	assert.Equal(t, models.StagePreMutation, cp.Stage())
	assert.Equal(t, "run-1", cp.RunID())
	assert.Equal(t, 5, cp.CapturedState.TotalEntities)
}

func TestCreateIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := checkpoint.NewStore(newBackend(t), testGraph())

	a, err := s.Create(ctx, "op", "p", "w", nil)
	require.NoError(t, err)
	b, err := s.Create(ctx, "op", "p", "w", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGetUnknown(t *testing.T) {
	s := checkpoint.NewStore(newBackend(t), testGraph())

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCreateWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	rec := audit.NewWriter(&buf, "run-1", nil)
	s := checkpoint.NewStore(failingBackend{}, testGraph(), checkpoint.WithAudit(rec))

	_, err := s.Create(context.Background(), "op", "p", "w", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrWriteFailed))

	entries, err := audit.Read(&buf)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, audit.OpCreateCheckpoint, last.Operation)
	assert.Equal(t, models.AuditFailure, last.Status)
}

func TestListAndLatest(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := checkpoint.NewStore(newBackend(t), testGraph(), checkpoint.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	first, err := s.Create(ctx, "op", "p1", "w1", nil)
	require.NoError(t, err)
	second, err := s.Create(ctx, "op", "p1", "w1", nil)
	require.NoError(t, err)
	other, err := s.Create(ctx, "op", "p1", "w2", nil)
	require.NoError(t, err)

	wave := "w1"
	cps, err := s.List(ctx, models.CheckpointFilter{Wave: &wave}, 0)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, second, cps[0].ID)
	assert.Equal(t, first, cps[1].ID)

	all, err := s.List(ctx, models.CheckpointFilter{}, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, other, all[0].ID)

	latest, err := s.Latest(ctx, models.CheckpointFilter{Wave: &wave})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, latest.ID)

	missing := "w9"
	none, err := s.Latest(ctx, models.CheckpointFilter{Wave: &missing})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestValidateIntegrity(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	g := testGraph()

	s := checkpoint.NewStore(backend, g, checkpoint.WithBaseline(baseline))
	id, err := s.Create(ctx, "op", "p1", "w1", nil)
	require.NoError(t, err)

	ok, problems, err := s.ValidateIntegrity(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, problems)

	t.Run("baseline drift", func(t *testing.T) {
		g.Delete("movie-2")
		drifted, err := s.Create(ctx, "op", "p1", "w1", nil)
		require.NoError(t, err)

		ok, problems, err := s.ValidateIntegrity(ctx, drifted)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, problems, "baseline count 2 != expected 3")
	})

	t.Run("no expected baseline", func(t *testing.T) {
		reader := checkpoint.NewStore(backend, nil)
		ok, problems, err := reader.ValidateIntegrity(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, problems, "no expected baseline configured")
	})

	t.Run("missing baseline count", func(t *testing.T) {
		bare := checkpoint.NewStore(backend, g)
		noBaseline, err := bare.Create(ctx, "op", "p1", "w1", nil)
		require.NoError(t, err)

		ok, problems, err := s.ValidateIntegrity(ctx, noBaseline)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, problems, "missing captured_state.baseline_count")
	})

	t.Run("unknown id", func(t *testing.T) {
		ok, problems, err := s.ValidateIntegrity(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []string{"checkpoint not found"}, problems)
	})

	t.Run("missing fields", func(t *testing.T) {
		n := 3
		require.NoError(t, backend.Put(ctx, &models.Checkpoint{
			ID:            "hand-written",
			CapturedState: &models.StateSnapshot{BaselineCount: &n},
			Status:        models.CheckpointCreated,
		}))
		ok, problems, err := s.ValidateIntegrity(ctx, "hand-written")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, problems, "missing operation_name")
		assert.Contains(t, problems, "missing timestamp")
	})
}

func TestEveryCallIsAudited(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	rec := audit.NewWriter(&buf, "run-1", nil)
	s := checkpoint.NewStore(newBackend(t), testGraph(),
		checkpoint.WithBaseline(baseline),
		checkpoint.WithAudit(rec),
	)

	id, err := s.Create(ctx, "op", "p1", "w1", nil)
	require.NoError(t, err)
	_, err = s.Get(ctx, id)
	require.NoError(t, err)
	_, err = s.List(ctx, models.CheckpointFilter{}, 0)
	require.NoError(t, err)
	_, err = s.Latest(ctx, models.CheckpointFilter{})
	require.NoError(t, err)
	_, _, err = s.ValidateIntegrity(ctx, id)
	require.NoError(t, err)

	entries, err := audit.Read(&buf)
	require.NoError(t, err)

	var ops []string
	for _, e := range entries {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{
		audit.OpCreateCheckpoint,
		audit.OpGetCheckpoint,
		audit.OpListCheckpoints,
		audit.OpLatestCheckpoint,
		audit.OpVerifyCheckpoint,
	}, ops)
}
