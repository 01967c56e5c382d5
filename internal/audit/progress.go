package audit

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/models"
)

// Operation names written by the engine and checkpoint store.
const (
	OpTransition       = "state_transition"
	OpPrecheck         = "precheck"
	OpBatch            = "batch"
	OpEnrich           = "enrich"
	OpValidateLabels   = "validate_labels"
	OpValidateBaseline = "validate_baseline"
	OpCaptureState     = "capture_state"
	OpCreateCheckpoint = "create_checkpoint"
	OpGetCheckpoint    = "get_checkpoint"
	OpListCheckpoints  = "list_checkpoints"
	OpLatestCheckpoint = "get_latest_checkpoint"
	OpVerifyCheckpoint = "validate_checkpoint_integrity"
	OpTargetStatus     = "target_status"
	OpSummary          = "summary"
)

// ReadFile loads every entry from a JSONL audit file.
// A truncated final line (crash mid-write) is ignored.
func ReadFile(path string) ([]models.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open audit log %s", path)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes JSONL audit entries from r.
func Read(r io.Reader) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var pending error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var e models.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			pending = errors.Wrapf(err, "decode audit entry %d", len(entries)+1)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan audit log")
	}
	return entries, nil
}

// TargetProgress is what the log says about one target.
type TargetProgress struct {
	Batches  int
	Labeled  int
	Finished bool
}

// Progress reconstructs how far a run got.
type Progress struct {
	RunID       string
	LastState   string
	LastEntry   *models.AuditEntry
	Targets     map[string]*TargetProgress
	Checkpoints []string
	Warnings    int
	Critical    int
	Completed   bool
}

// Summarize folds audit entries into a Progress.
func Summarize(entries []models.AuditEntry) Progress {
	p := Progress{Targets: make(map[string]*TargetProgress)}
	target := func(key string) *TargetProgress {
		tp, ok := p.Targets[key]
		if !ok {
			tp = &TargetProgress{}
			p.Targets[key] = tp
		}
		return tp
	}

	for i := range entries {
		e := &entries[i]
		p.RunID = e.RunID
		p.LastEntry = e

		switch e.Status {
		case models.AuditWarning:
			p.Warnings++
		case models.AuditCritical:
			p.Critical++
		}

		switch e.Operation {
		case OpTransition:
			if to, ok := e.Details["to"].(string); ok {
				p.LastState = to
				p.Completed = to == "DONE"
			}
		case OpBatch:
			if key, ok := e.Details["target"].(string); ok && e.Status == models.AuditSuccess {
				tp := target(key)
				tp.Batches++
				tp.Labeled += intDetail(e.Details, "applied")
			}
		case OpEnrich:
			if key, ok := e.Details["target"].(string); ok && e.Status != models.AuditStarted && e.Status != models.AuditFailure {
				target(key).Finished = true
			}
		case OpCreateCheckpoint:
			if id, ok := e.Details["checkpoint_id"].(string); ok && e.Status == models.AuditSuccess {
				p.Checkpoints = append(p.Checkpoints, id)
			}
		}
	}
	return p
}

// intDetail reads a JSON number detail, which decodes as float64.
func intDetail(details map[string]any, key string) int {
	switch v := details[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
