package db

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const entityTable = "entity"

type countRow struct {
	Count int `json:"count"`
}

// ProvenanceCount is an entity count for one provenance tag.
type ProvenanceCount struct {
	Provenance string `json:"provenance"`
	Count      int    `json:"count"`
}

// EntityInput is a new entity written by InsertEntity.
type EntityInput struct {
	Ref        models.EntityRef
	Type       string
	Provenance string
	Labels     models.LabelSet
	Properties map[string]string
}

// firstResult extracts the first statement result, or the zero value.
func firstResult[T any](results *[]surrealdb.QueryResult[T]) T {
	var zero T
	if results == nil || len(*results) == 0 {
		return zero
	}
	return (*results)[0].Result
}

// Count returns the number of entities matching pred.
func (c *Client) Count(ctx context.Context, pred models.Predicate) (int, error) {
	where, vars, err := whereClause(pred)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf("SELECT count() AS count FROM entity %s GROUP ALL", where)

	results, err := surrealdb.Query[[]countRow](ctx, c.db, sql, vars)
	if err != nil {
		return 0, errors.Wrap(wrapQueryError(err), "count entities")
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// SelectBatch returns up to limit entity refs matching pred. No offset is
// used; callers rely on the predicate excluding already processed entities.
func (c *Client) SelectBatch(ctx context.Context, pred models.Predicate, limit int) ([]models.EntityRef, error) {
	where, vars, err := whereClause(pred)
	if err != nil {
		return nil, err
	}
	vars["limit"] = limit
	sql := fmt.Sprintf("SELECT VALUE id FROM entity %s LIMIT $limit", where)

	results, err := surrealdb.Query[[]surrealmodels.RecordID](ctx, c.db, sql, vars)
	if err != nil {
		return nil, errors.Wrap(wrapQueryError(err), "select batch")
	}
	return models.RefsFromRecordIDs(firstResult(results))
}

// ApplyLabels merges labels into the label set of every listed entity that
// still exists and returns how many were updated. The merge is a set union,
// so reapplying the same labels changes nothing.
func (c *Client) ApplyLabels(ctx context.Context, refs []models.EntityRef, labels models.LabelSet) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	vars := map[string]any{
		"ids":    models.RecordIDs(entityTable, refs),
		"labels": labels.Strings(),
	}
	results, err := surrealdb.Query[[]surrealmodels.RecordID](ctx, c.db, `
		UPDATE $ids SET labels = array::union(labels ?? [], $labels) RETURN VALUE id
	`, vars)
	if err != nil {
		return 0, errors.Wrap(wrapQueryError(err), "apply labels")
	}
	return len(firstResult(results)), nil
}

// CountWithLabels returns the number of entities matching pred that carry every label.
func (c *Client) CountWithLabels(ctx context.Context, pred models.Predicate, labels models.LabelSet) (int, error) {
	return c.Count(ctx, pred.WithAll(labels))
}

// ProvenanceCounts returns entity counts grouped by provenance tag.
func (c *Client) ProvenanceCounts(ctx context.Context) (map[string]int, error) {
	results, err := surrealdb.Query[[]ProvenanceCount](ctx, c.db, `
		SELECT provenance, count() AS count FROM entity GROUP BY provenance
	`, nil)
	if err != nil {
		return nil, errors.Wrap(wrapQueryError(err), "provenance counts")
	}
	counts := make(map[string]int)
	for _, row := range firstResult(results) {
		counts[row.Provenance] = row.Count
	}
	return counts, nil
}

// CrossGroupRelations counts relations whose endpoints carry different provenance tags.
func (c *Client) CrossGroupRelations(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]countRow](ctx, c.db, `
		SELECT count() AS count FROM relates WHERE in.provenance != out.provenance GROUP ALL
	`, nil)
	if err != nil {
		return 0, errors.Wrap(wrapQueryError(err), "cross group relations")
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// InsertEntity creates an entity with the given record key.
func (c *Client) InsertEntity(ctx context.Context, in EntityInput) error {
	props := make(map[string]any, len(in.Properties))
	for k, v := range in.Properties {
		props[k] = v
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE type::record("entity", $id) CONTENT {
			type: $type,
			provenance: $provenance,
			labels: $labels,
			properties: $properties
		}
	`, map[string]any{
		"id":         string(in.Ref),
		"type":       in.Type,
		"provenance": in.Provenance,
		"labels":     in.Labels.Strings(),
		"properties": props,
	})
	if err != nil {
		return errors.Wrapf(wrapQueryError(err), "insert entity %s", in.Ref)
	}
	return nil
}

// Relate creates a typed relation between two entities.
func (c *Client) Relate(ctx context.Context, from, to models.EntityRef, relType string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		RELATE $from->relates->$to SET rel_type = $rel_type
	`, map[string]any{
		"from":     surrealmodels.NewRecordID(entityTable, string(from)),
		"to":       surrealmodels.NewRecordID(entityTable, string(to)),
		"rel_type": relType,
	})
	if err != nil {
		return errors.Wrapf(wrapQueryError(err), "relate %s -> %s", from, to)
	}
	return nil
}

// DeleteEntity removes an entity and its relations.
func (c *Client) DeleteEntity(ctx context.Context, ref models.EntityRef) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE relates WHERE in = $id OR out = $id;
		DELETE $id;
	`, map[string]any{"id": surrealmodels.NewRecordID(entityTable, string(ref))})
	if err != nil {
		return errors.Wrapf(wrapQueryError(err), "delete entity %s", ref)
	}
	return nil
}
