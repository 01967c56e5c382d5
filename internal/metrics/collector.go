// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Errors      int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// TargetSnapshot holds per-target batch totals.
type TargetSnapshot struct {
	Batches int64
	Labeled int64
}

// Snapshot represents the run statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Operations    map[string]*OperationSnapshot
	Targets       map[string]TargetSnapshot
}

// Operation names for the collector.
const (
	OpCount            = "count"
	OpSelectBatch      = "select_batch"
	OpApplyLabels      = "apply_labels"
	OpCountWithLabels  = "count_with_labels"
	OpCheckpointCreate = "checkpoint_create"
)

// Collector aggregates in-memory runtime statistics and, when a Registry is
// attached, mirrors them into Prometheus metrics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	targets   map[string]*TargetSnapshot
	prom      *Registry
}

// NewCollector creates a new metrics collector. prom may be nil.
func NewCollector(prom *Registry) *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		targets:   make(map[string]*TargetSnapshot),
		prom:      prom,
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation. A non-nil err counts as an error.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	c.mu.Lock()
	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if err != nil {
		m.Errors++
	}
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.observeOp(op, duration, err)
	}
}

// RecordBatch records one applied batch of a target.
func (c *Collector) RecordBatch(target string, labeled int) {
	c.mu.Lock()
	t, ok := c.targets[target]
	if !ok {
		t = &TargetSnapshot{}
		c.targets[target] = t
	}
	t.Batches++
	t.Labeled += int64(labeled)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.observeBatch(target, labeled)
	}
}

// RecordState records the orchestrator entering state.
func (c *Collector) RecordState(state string) {
	if c.prom != nil {
		c.prom.setState(state)
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]*OperationSnapshot, len(c.ops)),
		Targets:       make(map[string]TargetSnapshot, len(c.targets)),
	}
	for _, op := range slices.Sorted(maps.Keys(c.ops)) {
		snap.Operations[op] = snapshotOp(c.ops[op])
	}
	for key, t := range c.targets {
		snap.Targets[key] = *t
	}
	return snap
}
