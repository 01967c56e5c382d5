// Package audit provides the append-only operation log of an enrichment run.
//
// Every attempted operation (state transition, batch iteration, checkpoint call,
// validation) is written as one JSON line and flushed to disk before the caller
// continues, so the file reflects partial progress if the process dies mid-run.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/models"
)

// Recorder accepts audit entries.
type Recorder interface {
	Record(operation string, status models.AuditStatus, details map[string]any) error
}

// Discard is a Recorder that drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(string, models.AuditStatus, map[string]any) error { return nil }

// Log writes audit entries as JSON lines. All methods are thread-safe.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	enc    *json.Encoder
	path   string
	runID  string
	logger *slog.Logger
	now    func() time.Time
	closed bool
}

// Open creates a new audit file <dir>/<operation>-<runID>.jsonl.
// The file must not exist yet: one file per logical run, never reused.
func Open(dir, operation, runID string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create audit dir %s", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", operation, runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.Wrapf(err, "open audit log %s", path)
	}
	l := NewWriter(f, runID, logger)
	l.closer = f
	l.path = path
	return l, nil
}

// NewWriter builds a Log over an arbitrary writer. If w implements Sync, it is
// called after every entry.
func NewWriter(w io.Writer, runID string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		w:      w,
		enc:    json.NewEncoder(w),
		runID:  runID,
		logger: logger.With("component", "audit", "run_id", runID),
		now:    time.Now,
	}
}

// Path returns the file path, or "" for writer-backed logs.
func (l *Log) Path() string { return l.path }

// RunID returns the run identifier stamped on every entry.
func (l *Log) RunID() string { return l.runID }

// Record appends one entry and flushes it.
func (l *Log) Record(operation string, status models.AuditStatus, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.Newf("audit log closed, dropped %s/%s", operation, status)
	}

	entry := models.AuditEntry{
		Timestamp: l.now().UTC(),
		RunID:     l.runID,
		Operation: operation,
		Status:    status,
		Details:   details,
	}
	if err := l.enc.Encode(entry); err != nil {
		return errors.Wrapf(err, "write audit entry %s", operation)
	}
	if s, ok := l.w.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return errors.Wrapf(err, "sync audit entry %s", operation)
		}
	}

	l.logger.Debug("audit", "operation", operation, "status", string(status))
	return nil
}

// Close closes the underlying file. Further Record calls fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
