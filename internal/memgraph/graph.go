// Package memgraph provides an in-memory graph store for tests and dry runs.
// It implements the same primitives as the SurrealDB adapter with the same
// predicate semantics, plus call counters and fault injection hooks.
package memgraph

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/raphaelgruber/enrich/internal/models"
)

// Entity is a node held by the in-memory graph.
type Entity struct {
	Ref        models.EntityRef
	Type       string
	Provenance string
	Properties map[string]string
	Labels     models.LabelSet
}

// Relation is a directed edge between two entities.
type Relation struct {
	From    models.EntityRef
	To      models.EntityRef
	RelType string
}

// Calls counts invocations of each store primitive.
type Calls struct {
	Count           int
	SelectBatch     int
	ApplyLabels     int
	CountWithLabels int
}

// ApplyHook runs after every ApplyLabels call, outside the graph lock.
// Tests use it to simulate defective mutation queries.
type ApplyHook func(g *Graph, refs []models.EntityRef)

// Graph is a thread-safe in-memory entity graph. Selection order is insertion order.
type Graph struct {
	mu        sync.Mutex
	entities  map[models.EntityRef]*Entity
	order     []models.EntityRef
	relations []Relation
	calls     Calls
	faults    map[string]error
	onApply   ApplyHook
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		entities: make(map[models.EntityRef]*Entity),
		faults:   make(map[string]error),
	}
}

// Operation names accepted by FailOn.
const (
	OpCount           = "count"
	OpSelectBatch     = "select_batch"
	OpApplyLabels     = "apply_labels"
	OpCountWithLabels = "count_with_labels"
	OpProvenance      = "provenance_counts"
	OpRelations       = "cross_group_relations"
)

// AddEntity inserts or replaces an entity.
func (g *Graph) AddEntity(e Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entities[e.Ref]; !ok {
		g.order = append(g.order, e.Ref)
	}
	cp := e
	cp.Properties = maps.Clone(e.Properties)
	g.entities[e.Ref] = &cp
}

// AddGroup inserts n entities of one type and provenance with refs prefix-0..prefix-(n-1).
func (g *Graph) AddGroup(prefix, entityType, provenance string, n int, labels models.LabelSet) {
	for i := range n {
		g.AddEntity(Entity{
			Ref:        models.EntityRef(fmt.Sprintf("%s-%d", prefix, i)),
			Type:       entityType,
			Provenance: provenance,
			Labels:     labels,
		})
	}
}

// AddRelation inserts a directed edge.
func (g *Graph) AddRelation(r Relation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relations = append(g.relations, r)
}

// Delete removes an entity and its edges. It returns false if the ref is unknown.
func (g *Graph) Delete(ref models.EntityRef) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entities[ref]; !ok {
		return false
	}
	delete(g.entities, ref)
	for i, r := range g.order {
		if r == ref {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	kept := g.relations[:0]
	for _, rel := range g.relations {
		if rel.From != ref && rel.To != ref {
			kept = append(kept, rel)
		}
	}
	g.relations = kept
	return true
}

// Labels returns the labels of ref and whether it exists.
func (g *Graph) Labels(ref models.EntityRef) (models.LabelSet, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entities[ref]
	if !ok {
		return models.LabelSet{}, false
	}
	return e.Labels, true
}

// Calls returns a copy of the invocation counters.
func (g *Graph) Calls() Calls {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// ResetCalls zeroes the invocation counters.
func (g *Graph) ResetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = Calls{}
}

// FailOn makes every subsequent call of op return err. A nil err clears the fault.
func (g *Graph) FailOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.faults, op)
		return
	}
	g.faults[op] = err
}

// OnApply installs a hook run after each ApplyLabels call.
func (g *Graph) OnApply(h ApplyHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onApply = h
}

// Count returns the number of entities matching pred.
func (g *Graph) Count(_ context.Context, pred models.Predicate) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls.Count++
	if err := g.faults[OpCount]; err != nil {
		return 0, err
	}
	return g.countLocked(pred), nil
}

// SelectBatch returns up to limit refs matching pred in insertion order.
func (g *Graph) SelectBatch(_ context.Context, pred models.Predicate, limit int) ([]models.EntityRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls.SelectBatch++
	if err := g.faults[OpSelectBatch]; err != nil {
		return nil, err
	}
	var refs []models.EntityRef
	for _, ref := range g.order {
		if len(refs) >= limit {
			break
		}
		if matches(g.entities[ref], pred) {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// ApplyLabels merges labels into each existing entity and returns how many were updated.
func (g *Graph) ApplyLabels(_ context.Context, refs []models.EntityRef, labels models.LabelSet) (int, error) {
	g.mu.Lock()
	g.calls.ApplyLabels++
	if err := g.faults[OpApplyLabels]; err != nil {
		g.mu.Unlock()
		return 0, err
	}
	affected := 0
	for _, ref := range refs {
		if e, ok := g.entities[ref]; ok {
			e.Labels = e.Labels.Union(labels)
			affected++
		}
	}
	hook := g.onApply
	g.mu.Unlock()

	if hook != nil {
		hook(g, refs)
	}
	return affected, nil
}

// CountWithLabels returns the number of entities matching pred that carry every label.
func (g *Graph) CountWithLabels(_ context.Context, pred models.Predicate, labels models.LabelSet) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls.CountWithLabels++
	if err := g.faults[OpCountWithLabels]; err != nil {
		return 0, err
	}
	return g.countLocked(pred.WithAll(labels)), nil
}

// ProvenanceCounts returns entity counts grouped by provenance tag.
func (g *Graph) ProvenanceCounts(_ context.Context) (map[string]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.faults[OpProvenance]; err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range g.entities {
		counts[e.Provenance]++
	}
	return counts, nil
}

// CrossGroupRelations counts edges whose endpoints have different provenance tags.
func (g *Graph) CrossGroupRelations(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.faults[OpRelations]; err != nil {
		return 0, err
	}
	n := 0
	for _, rel := range g.relations {
		from, okFrom := g.entities[rel.From]
		to, okTo := g.entities[rel.To]
		if okFrom && okTo && from.Provenance != to.Provenance {
			n++
		}
	}
	return n, nil
}

func (g *Graph) countLocked(pred models.Predicate) int {
	n := 0
	for _, e := range g.entities {
		if matches(e, pred) {
			n++
		}
	}
	return n
}

func matches(e *Entity, pred models.Predicate) bool {
	if pred.EntityType != "" && e.Type != pred.EntityType {
		return false
	}
	if pred.Provenance != "" && e.Provenance != pred.Provenance {
		return false
	}
	for k, v := range pred.Properties {
		if e.Properties[k] != v {
			return false
		}
	}
	if !pred.HasAll.IsSubsetOf(e.Labels) {
		return false
	}
	if !pred.LacksAll.IsEmpty() && pred.LacksAll.IsSubsetOf(e.Labels) {
		return false
	}
	return true
}
