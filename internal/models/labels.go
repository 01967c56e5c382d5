package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Label is a single classification capability carried by an entity.
type Label string

// LabelSet is an immutable, sorted, de-duplicated set of labels.
// The zero value is the empty set.
type LabelSet struct {
	labels []Label
}

// NewLabelSet builds a set from the given labels, dropping duplicates and blanks.
func NewLabelSet(labels ...Label) LabelSet {
	out := make([]Label, 0, len(labels))
	for _, l := range labels {
		l = Label(strings.TrimSpace(string(l)))
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	slices.Sort(out)
	return LabelSet{labels: slices.Compact(out)}
}

// ParseLabelSet builds a set from plain strings (config files, CLI flags).
func ParseLabelSet(labels []string) LabelSet {
	ls := make([]Label, len(labels))
	for i, l := range labels {
		ls[i] = Label(l)
	}
	return NewLabelSet(ls...)
}

// Len returns the number of labels in the set.
func (s LabelSet) Len() int { return len(s.labels) }

// IsEmpty reports whether the set has no labels.
func (s LabelSet) IsEmpty() bool { return len(s.labels) == 0 }

// Contains reports whether l is a member of the set.
func (s LabelSet) Contains(l Label) bool {
	_, found := slices.BinarySearch(s.labels, l)
	return found
}

// IsSubsetOf reports whether every label of s is in other.
func (s LabelSet) IsSubsetOf(other LabelSet) bool {
	for _, l := range s.labels {
		if !other.Contains(l) {
			return false
		}
	}
	return true
}

// Union returns a new set holding the labels of both sets.
func (s LabelSet) Union(other LabelSet) LabelSet {
	return NewLabelSet(append(s.Labels(), other.labels...)...)
}

// Difference returns the labels of s that are not in other.
func (s LabelSet) Difference(other LabelSet) LabelSet {
	var out []Label
	for _, l := range s.labels {
		if !other.Contains(l) {
			out = append(out, l)
		}
	}
	return NewLabelSet(out...)
}

// Equal reports whether both sets hold exactly the same labels.
func (s LabelSet) Equal(other LabelSet) bool {
	return slices.Equal(s.labels, other.labels)
}

// Labels returns a copy of the members in sorted order.
func (s LabelSet) Labels() []Label {
	return slices.Clone(s.labels)
}

// Strings returns the members as plain strings, sorted. Never nil.
func (s LabelSet) Strings() []string {
	out := make([]string, len(s.labels))
	for i, l := range s.labels {
		out[i] = string(l)
	}
	return out
}

// String renders the set as {A,B,C}.
func (s LabelSet) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}

// MarshalJSON encodes the set as a sorted string array.
func (s LabelSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a string array into a set.
func (s *LabelSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseLabelSet(raw)
	return nil
}

// Vocabulary is the closed set of labels each entity type may carry.
type Vocabulary map[string]LabelSet

// Check verifies that every label in set is declared for entityType.
func (v Vocabulary) Check(entityType string, set LabelSet) error {
	allowed, ok := v[entityType]
	if !ok {
		return fmt.Errorf("entity type %q has no declared vocabulary", entityType)
	}
	if extra := set.Difference(allowed); !extra.IsEmpty() {
		return fmt.Errorf("labels %s not in vocabulary of %q", extra, entityType)
	}
	return nil
}
