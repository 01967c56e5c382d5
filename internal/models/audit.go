package models

import "time"

// AuditStatus classifies the outcome recorded by an audit entry.
type AuditStatus string

const (
	AuditStarted  AuditStatus = "started"
	AuditSuccess  AuditStatus = "success"
	AuditFailure  AuditStatus = "failure"
	AuditWarning  AuditStatus = "warning"
	AuditCritical AuditStatus = "critical"
	AuditSkipped  AuditStatus = "skipped"
)

// AuditEntry is a single line in the append-only operation log (JSONL).
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Operation string         `json:"operation"`
	Status    AuditStatus    `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}
