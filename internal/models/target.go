package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Status is the enrichment state of a MutationTarget.
type Status string

const (
	StatusNeedsEnhancement Status = "NEEDS_ENHANCEMENT"
	StatusAlreadyEnhanced  Status = "ALREADY_ENHANCED"
	StatusEnhanced         Status = "ENHANCED"
	StatusSkipped          Status = "SKIPPED"
)

// ErrInvalidTransition is returned when a target status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ParseStatus converts a config string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusNeedsEnhancement, StatusAlreadyEnhanced, StatusEnhanced, StatusSkipped:
		return st, nil
	case "":
		return StatusNeedsEnhancement, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Predicate selects a group of entities in the graph store.
// Empty fields do not constrain the selection.
type Predicate struct {
	EntityType string            `json:"entity_type,omitempty"`
	Provenance string            `json:"provenance,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	// HasAll requires every label of the set to be present.
	HasAll LabelSet `json:"has_all"`
	// LacksAll requires that at least one label of the set is missing.
	LacksAll LabelSet `json:"lacks_all"`
}

// WithAll returns a copy of p that additionally requires all of labels.
func (p Predicate) WithAll(labels LabelSet) Predicate {
	q := p.clone()
	q.HasAll = p.HasAll.Union(labels)
	return q
}

// Without returns a copy of p that only matches entities not yet carrying all of labels.
func (p Predicate) Without(labels LabelSet) Predicate {
	q := p.clone()
	q.LacksAll = p.LacksAll.Union(labels)
	return q
}

// Disjoint reports whether p and other can never match the same entity, judged
// on entity type and provenance alone.
func (p Predicate) Disjoint(other Predicate) bool {
	if p.EntityType != "" && other.EntityType != "" && p.EntityType != other.EntityType {
		return true
	}
	return p.Provenance != "" && other.Provenance != "" && p.Provenance != other.Provenance
}

func (p Predicate) clone() Predicate {
	q := p
	q.Properties = maps.Clone(p.Properties)
	return q
}

// MutationTarget describes one entity group to enrich.
// ExpectedCount is fixed at construction and has no setter.
type MutationTarget struct {
	Key         string    `json:"key"`
	EntityType  string    `json:"entity_type"`
	Match       Predicate `json:"match"`
	LabelsToAdd LabelSet  `json:"labels_to_add"`
	FinalLabels LabelSet  `json:"final_labels"`
	Status      Status    `json:"status"`

	expectedCount int
}

// NewTarget validates and builds a MutationTarget. Every final label must
// either be added by the run or already be required by match.HasAll, so that
// labeling an entity always takes it out of the pending selection.
func NewTarget(key, entityType string, match Predicate, labelsToAdd, finalLabels LabelSet, expected int, status Status) (*MutationTarget, error) {
	if key == "" {
		return nil, errors.New("target key is required")
	}
	if expected < 0 {
		return nil, fmt.Errorf("target %s: expected count must be non-negative, got %d", key, expected)
	}
	if labelsToAdd.IsEmpty() {
		return nil, fmt.Errorf("target %s: labels_to_add must not be empty", key)
	}
	if !labelsToAdd.IsSubsetOf(finalLabels) {
		return nil, fmt.Errorf("target %s: labels_to_add %s is not a subset of final_labels %s",
			key, labelsToAdd, finalLabels)
	}
	if missing := finalLabels.Difference(labelsToAdd); !missing.IsSubsetOf(match.HasAll) {
		return nil, fmt.Errorf("target %s: final labels %s are neither added nor required by the match",
			key, missing.Difference(match.HasAll))
	}
	switch {
	case match.EntityType == "":
		match = match.clone()
		match.EntityType = entityType
	case entityType != "" && match.EntityType != entityType:
		return nil, fmt.Errorf("target %s: match entity type %q conflicts with %q", key, match.EntityType, entityType)
	}
	return &MutationTarget{
		Key:           key,
		EntityType:    entityType,
		Match:         match,
		LabelsToAdd:   labelsToAdd,
		FinalLabels:   finalLabels,
		Status:        status,
		expectedCount: expected,
	}, nil
}

// ExpectedCount returns the entity count fixed at configuration time.
func (t *MutationTarget) ExpectedCount() int {
	return t.expectedCount
}

// MarkEnhanced records that a run labeled the whole group.
func (t *MutationTarget) MarkEnhanced() error {
	return t.transition(StatusEnhanced)
}

// MarkSkipped records that a run had nothing to do for the group.
func (t *MutationTarget) MarkSkipped() error {
	return t.transition(StatusSkipped)
}

func (t *MutationTarget) transition(to Status) error {
	if t.Status != StatusNeedsEnhancement {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.Key, t.Status, to)
	}
	t.Status = to
	return nil
}

// Baseline is a numeric fact about a population disjoint from every target.
type Baseline struct {
	Description   string    `json:"description"`
	Match         Predicate `json:"match"`
	ExpectedCount int       `json:"expected_count"`
}

// Plan is one wave's worth of work: the targets to enrich and the baseline
// that must not move while they are enriched.
type Plan struct {
	Operation string
	Phase     string
	Wave      string
	Baseline  Baseline
	Targets   map[string]*MutationTarget
}

// Keys returns the target keys in processing order.
func (p *Plan) Keys() []string {
	return slices.Sorted(maps.Keys(p.Targets))
}
