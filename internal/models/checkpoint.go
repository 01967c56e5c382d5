package models

import "time"

// CheckpointStatus is the lifecycle state of a checkpoint record.
type CheckpointStatus string

// CheckpointCreated is the only status a checkpoint ever has; records are never edited.
const CheckpointCreated CheckpointStatus = "CREATED"

// Checkpoint stages stored in metadata.
const (
	StagePreMutation  = "pre_mutation"
	StagePostMutation = "post_mutation"
)

// StateSnapshot is an aggregate view of the graph store at a point in time.
type StateSnapshot struct {
	TotalEntities       int            `json:"total_entities"`
	ProvenanceCounts    map[string]int `json:"provenance_counts"`
	CrossGroupRelations int            `json:"cross_group_relations"`
	BaselineCount       *int           `json:"baseline_count"`
}

// Checkpoint is an immutable snapshot tagged by operation, phase and wave.
type Checkpoint struct {
	ID            string           `json:"id"`
	OperationName string           `json:"operation_name"`
	Phase         string           `json:"phase"`
	Wave          string           `json:"wave"`
	Timestamp     time.Time        `json:"timestamp"`
	CapturedState *StateSnapshot   `json:"captured_state"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Status        CheckpointStatus `json:"status"`
}

// Stage returns the stage recorded in metadata, or "".
func (c *Checkpoint) Stage() string {
	s, _ := c.Metadata["stage"].(string)
	return s
}

// RunID returns the run id recorded in metadata, or "".
func (c *Checkpoint) RunID() string {
	s, _ := c.Metadata["run_id"].(string)
	return s
}

// CheckpointFilter narrows a checkpoint scan. Nil fields match everything.
type CheckpointFilter struct {
	Phase *string
	Wave  *string
}

// Matches reports whether cp satisfies the filter by exact field comparison.
func (f CheckpointFilter) Matches(cp *Checkpoint) bool {
	if f.Phase != nil && cp.Phase != *f.Phase {
		return false
	}
	if f.Wave != nil && cp.Wave != *f.Wave {
		return false
	}
	return true
}
