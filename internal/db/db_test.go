//go:build integration

package db_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/enrich/internal/db"
	"github.com/raphaelgruber/enrich/internal/engine"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *db.Client

// TestMain starts a SurrealDB container shared by all tests.
func TestMain(m *testing.M) {
	// Ryuk is unreliable in some CI environments.
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = db.NewClient(ctx, db.Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)

	os.Exit(code)
}

func seed(t *testing.T, prefix, entityType, provenance string, n int, labels models.LabelSet) []models.EntityRef {
	t.Helper()
	ctx := context.Background()
	refs := make([]models.EntityRef, n)
	for i := range n {
		refs[i] = models.EntityRef(fmt.Sprintf("%s-%d", prefix, i))
		require.NoError(t, testDB.InsertEntity(ctx, db.EntityInput{
			Ref:        refs[i],
			Type:       entityType,
			Provenance: provenance,
			Labels:     labels,
			Properties: map[string]string{"index": fmt.Sprint(i)},
		}))
	}
	return refs
}

func wipe(t *testing.T) {
	t.Helper()
	require.NoError(t, testDB.WipeData(context.Background()))
}

func TestCountAndSelect(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	abc := models.NewLabelSet("A", "B", "C")

	seed(t, "done", "Document", "wave1", 3, abc)
	seed(t, "half", "Document", "wave1", 4, models.NewLabelSet("A"))
	seed(t, "movie", "Movie", "imdb", 5, models.NewLabelSet())

	docs := models.Predicate{EntityType: "Document", Provenance: "wave1"}

	n, err := testDB.Count(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = testDB.Count(ctx, docs.Without(abc))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = testDB.CountWithLabels(ctx, docs, abc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = testDB.Count(ctx, models.Predicate{Properties: map[string]string{"index": "0"}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	refs, err := testDB.SelectBatch(ctx, docs.Without(abc), 2)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestApplyLabelsIsUnion(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	refs := seed(t, "doc", "Document", "wave1", 3, models.NewLabelSet("A", "X"))

	n, err := testDB.ApplyLabels(ctx, append(refs, "missing"), models.NewLabelSet("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "absent entities are not created")

	n, err = testDB.ApplyLabels(ctx, refs, models.NewLabelSet("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = testDB.CountWithLabels(ctx, models.Predicate{}, models.NewLabelSet("A", "B", "X"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	total, err := testDB.Count(ctx, models.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestAggregates(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	movies := seed(t, "movie", "Movie", "imdb", 2, models.NewLabelSet())
	docs := seed(t, "doc", "Document", "wave1", 1, models.NewLabelSet())

	require.NoError(t, testDB.Relate(ctx, movies[0], movies[1], "sequel"))
	require.NoError(t, testDB.Relate(ctx, docs[0], movies[0], "mentions"))

	counts, err := testDB.ProvenanceCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"imdb": 2, "wave1": 1}, counts)

	cross, err := testDB.CrossGroupRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cross)

	require.NoError(t, testDB.DeleteEntity(ctx, docs[0]))
	cross, err = testDB.CrossGroupRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cross)
}

func TestEnrichAgainstSurrealDB(t *testing.T) {
	wipe(t)
	ctx := context.Background()
	seed(t, "doc", "Document", "wave1", 120, models.NewLabelSet())
	seed(t, "movie", "Movie", "imdb", 10, models.NewLabelSet())

	abc := models.NewLabelSet("A", "B", "C")
	tgt, err := models.NewTarget("docs", "Document", models.Predicate{Provenance: "wave1"}, abc, abc, 120, models.StatusNeedsEnhancement)
	require.NoError(t, err)

	n, err := engine.NewMutator(testDB).Enrich(ctx, tgt, 25)
	require.NoError(t, err)
	assert.Equal(t, 120, n)

	report, err := engine.NewValidator(testDB, nil, nil).ValidateLabels(ctx, tgt)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	untouched, err := testDB.CountWithLabels(ctx, models.Predicate{Provenance: "imdb"}, models.NewLabelSet("A"))
	require.NoError(t, err)
	assert.Equal(t, 0, untouched)
}
