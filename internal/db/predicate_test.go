package db

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhereClause(t *testing.T) {
	abc := models.NewLabelSet("A", "B", "C")

	tests := []struct {
		name     string
		pred     models.Predicate
		wantSQL  string
		wantVars map[string]any
	}{
		{
			name:     "empty",
			pred:     models.Predicate{},
			wantSQL:  "",
			wantVars: map[string]any{},
		},
		{
			name:    "type and provenance",
			pred:    models.Predicate{EntityType: "Movie", Provenance: "imdb"},
			wantSQL: "WHERE type = $type AND provenance = $provenance",
			wantVars: map[string]any{
				"type":       "Movie",
				"provenance": "imdb",
			},
		},
		{
			name:    "properties sorted",
			pred:    models.Predicate{Properties: map[string]string{"year": "1999", "genre": "drama"}},
			wantSQL: "WHERE properties.genre = $prop0 AND properties.year = $prop1",
			wantVars: map[string]any{
				"prop0": "drama",
				"prop1": "1999",
			},
		},
		{
			name:    "pending selection",
			pred:    models.Predicate{EntityType: "Document"}.Without(abc),
			wantSQL: "WHERE type = $type AND !(labels CONTAINSALL $lacks_all)",
			wantVars: map[string]any{
				"type":      "Document",
				"lacks_all": []string{"A", "B", "C"},
			},
		},
		{
			name:    "labeled selection",
			pred:    models.Predicate{Provenance: "wave1"}.WithAll(models.NewLabelSet("B")),
			wantSQL: "WHERE provenance = $provenance AND labels CONTAINSALL $has_all",
			wantVars: map[string]any{
				"provenance": "wave1",
				"has_all":    []string{"B"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, vars, err := whereClause(tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantVars, vars)
		})
	}
}

func TestWhereClauseRejectsUnsafeKey(t *testing.T) {
	_, _, err := whereClause(models.Predicate{Properties: map[string]string{"x; DELETE entity": "1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPredicate))
}
