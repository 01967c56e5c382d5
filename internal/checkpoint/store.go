// Package checkpoint captures aggregate graph state and persists it as immutable
// checkpoint records in a store that is independent of the graph store.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/models"
)

var (
	// ErrNotFound is returned when no checkpoint has the requested id.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrAlreadyExists is returned by backends asked to overwrite a record.
	ErrAlreadyExists = errors.New("checkpoint already exists")

	// ErrCaptureFailed marks failures reading aggregate state from the graph store.
	ErrCaptureFailed = errors.New("capture graph state")

	// ErrWriteFailed marks failures persisting a checkpoint record.
	ErrWriteFailed = errors.New("write checkpoint")
)

// Backend is the key-value store holding checkpoint records.
// Scan must return matches newest first.
type Backend interface {
	Put(ctx context.Context, cp *models.Checkpoint) error
	Get(ctx context.Context, ids []string) ([]*models.Checkpoint, error)
	Scan(ctx context.Context, filter models.CheckpointFilter, limit int) ([]*models.Checkpoint, error)
}

// StateReader provides the read-only aggregate queries behind a snapshot.
type StateReader interface {
	Count(ctx context.Context, pred models.Predicate) (int, error)
	ProvenanceCounts(ctx context.Context) (map[string]int, error)
	CrossGroupRelations(ctx context.Context) (int, error)
}

// Store creates and reads checkpoints. Every method writes an audit entry.
type Store struct {
	backend  Backend
	state    StateReader
	baseline *models.Baseline
	audit    audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBaseline sets the population whose count is captured in every snapshot and
// checked by ValidateIntegrity.
func WithBaseline(b models.Baseline) Option {
	return func(s *Store) { s.baseline = &b }
}

// WithAudit sets the audit recorder. Defaults to audit.Discard.
func WithAudit(r audit.Recorder) Option {
	return func(s *Store) { s.audit = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a Store over backend. state may be nil for read-only use.
func NewStore(backend Backend, state StateReader, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		state:   state,
		audit:   audit.Discard,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "checkpoint")
	return s
}

// CaptureState runs the fixed set of aggregate queries. It never mutates anything.
func (s *Store) CaptureState(ctx context.Context) (*models.StateSnapshot, error) {
	snap, err := s.capture(ctx)
	if err != nil {
		s.record(audit.OpCaptureState, models.AuditFailure, map[string]any{"error": err.Error()})
		return nil, err
	}
	s.record(audit.OpCaptureState, models.AuditSuccess, map[string]any{
		"total_entities":        snap.TotalEntities,
		"cross_group_relations": snap.CrossGroupRelations,
	})
	return snap, nil
}

func (s *Store) capture(ctx context.Context) (*models.StateSnapshot, error) {
	if s.state == nil {
		return nil, errors.Mark(errors.New("no state reader configured"), ErrCaptureFailed)
	}
	total, err := s.state.Count(ctx, models.Predicate{})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "count entities"), ErrCaptureFailed)
	}
	byProvenance, err := s.state.ProvenanceCounts(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "count by provenance"), ErrCaptureFailed)
	}
	cross, err := s.state.CrossGroupRelations(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "count cross-group relations"), ErrCaptureFailed)
	}
	snap := &models.StateSnapshot{
		TotalEntities:       total,
		ProvenanceCounts:    byProvenance,
		CrossGroupRelations: cross,
	}
	if s.baseline != nil {
		n, err := s.state.Count(ctx, s.baseline.Match)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "count baseline"), ErrCaptureFailed)
		}
		snap.BaselineCount = &n
	}
	return snap, nil
}

// Create captures state, wraps it with identifying fields and writes it as one record.
func (s *Store) Create(ctx context.Context, operation, phase, wave string, metadata map[string]any) (string, error) {
	details := map[string]any{"operation_name": operation, "phase": phase, "wave": wave}

	snap, err := s.capture(ctx)
	if err != nil {
		details["error"] = err.Error()
		s.record(audit.OpCreateCheckpoint, models.AuditFailure, details)
		return "", err
	}

	cp := &models.Checkpoint{
		ID:            uuid.NewString(),
		OperationName: operation,
		Phase:         phase,
		Wave:          wave,
		Timestamp:     s.now().UTC(),
		CapturedState: snap,
		Metadata:      metadata,
		Status:        models.CheckpointCreated,
	}
	if err := s.backend.Put(ctx, cp); err != nil {
		err = errors.Mark(errors.Wrapf(err, "put checkpoint %s", cp.ID), ErrWriteFailed)
		details["checkpoint_id"] = cp.ID
		details["error"] = err.Error()
		s.record(audit.OpCreateCheckpoint, models.AuditFailure, details)
		return "", err
	}

	details["checkpoint_id"] = cp.ID
	details["total_entities"] = snap.TotalEntities
	if snap.BaselineCount != nil {
		details["baseline_count"] = *snap.BaselineCount
	}
	s.record(audit.OpCreateCheckpoint, models.AuditSuccess, details)
	s.logger.Info("checkpoint created", "id", cp.ID, "operation", operation, "phase", phase, "wave", wave)
	return cp.ID, nil
}

// Get returns the checkpoint with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	cps, err := s.backend.Get(ctx, []string{id})
	if err != nil {
		s.record(audit.OpGetCheckpoint, models.AuditFailure, map[string]any{"checkpoint_id": id, "error": err.Error()})
		return nil, errors.Wrapf(err, "get checkpoint %s", id)
	}
	for _, cp := range cps {
		if cp.ID == id {
			s.record(audit.OpGetCheckpoint, models.AuditSuccess, map[string]any{"checkpoint_id": id})
			return cp, nil
		}
	}
	s.record(audit.OpGetCheckpoint, models.AuditFailure, map[string]any{"checkpoint_id": id, "error": ErrNotFound.Error()})
	return nil, errors.Wrapf(ErrNotFound, "id %s", id)
}

// List returns up to limit checkpoints matching filter, newest first.
// A limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, filter models.CheckpointFilter, limit int) ([]*models.Checkpoint, error) {
	cps, err := s.list(ctx, filter, limit)
	if err != nil {
		s.record(audit.OpListCheckpoints, models.AuditFailure, filterDetails(filter, map[string]any{"error": err.Error()}))
		return nil, err
	}
	s.record(audit.OpListCheckpoints, models.AuditSuccess, filterDetails(filter, map[string]any{"count": len(cps)}))
	return cps, nil
}

func (s *Store) list(ctx context.Context, filter models.CheckpointFilter, limit int) ([]*models.Checkpoint, error) {
	raw, err := s.backend.Scan(ctx, filter, limit)
	if err != nil {
		return nil, errors.Wrap(err, "scan checkpoints")
	}
	cps := make([]*models.Checkpoint, 0, len(raw))
	for _, cp := range raw {
		if filter.Matches(cp) {
			cps = append(cps, cp)
		}
	}
	slices.SortStableFunc(cps, func(a, b *models.Checkpoint) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps, nil
}

// Latest returns the matching checkpoint with the maximum timestamp, or nil if none match.
func (s *Store) Latest(ctx context.Context, filter models.CheckpointFilter) (*models.Checkpoint, error) {
	cps, err := s.list(ctx, filter, 0)
	if err != nil {
		s.record(audit.OpLatestCheckpoint, models.AuditFailure, filterDetails(filter, map[string]any{"error": err.Error()}))
		return nil, err
	}
	if len(cps) == 0 {
		s.record(audit.OpLatestCheckpoint, models.AuditSuccess, filterDetails(filter, map[string]any{"found": false}))
		return nil, nil
	}
	s.record(audit.OpLatestCheckpoint, models.AuditSuccess, filterDetails(filter, map[string]any{
		"found":         true,
		"checkpoint_id": cps[0].ID,
	}))
	return cps[0], nil
}

// ValidateIntegrity checks that the record is structurally complete and that its
// baseline count equals the configured expected baseline. Problems are returned
// as human-readable details; err is reserved for backend failures.
func (s *Store) ValidateIntegrity(ctx context.Context, id string) (bool, []string, error) {
	cps, err := s.backend.Get(ctx, []string{id})
	if err != nil {
		s.record(audit.OpVerifyCheckpoint, models.AuditFailure, map[string]any{"checkpoint_id": id, "error": err.Error()})
		return false, nil, errors.Wrapf(err, "get checkpoint %s", id)
	}
	var cp *models.Checkpoint
	for _, c := range cps {
		if c.ID == id {
			cp = c
		}
	}

	var problems []string
	if cp == nil {
		problems = append(problems, "checkpoint not found")
	} else {
		problems = s.inspect(cp)
	}

	status := models.AuditSuccess
	if len(problems) > 0 {
		status = models.AuditWarning
	}
	s.record(audit.OpVerifyCheckpoint, status, map[string]any{"checkpoint_id": id, "problems": problems})
	return len(problems) == 0, problems, nil
}

func (s *Store) inspect(cp *models.Checkpoint) []string {
	var problems []string
	missing := func(field string) { problems = append(problems, "missing "+field) }

	if cp.OperationName == "" {
		missing("operation_name")
	}
	if cp.Phase == "" {
		missing("phase")
	}
	if cp.Wave == "" {
		missing("wave")
	}
	if cp.Timestamp.IsZero() {
		missing("timestamp")
	}
	if cp.Status != models.CheckpointCreated {
		problems = append(problems, "unexpected status "+string(cp.Status))
	}
	if cp.CapturedState == nil {
		missing("captured_state")
		return problems
	}
	if cp.CapturedState.BaselineCount == nil {
		missing("captured_state.baseline_count")
		return problems
	}
	switch {
	case s.baseline == nil:
		problems = append(problems, "no expected baseline configured")
	case *cp.CapturedState.BaselineCount != s.baseline.ExpectedCount:
		problems = append(problems, fmt.Sprintf("baseline count %d != expected %d",
			*cp.CapturedState.BaselineCount, s.baseline.ExpectedCount))
	}
	return problems
}

func (s *Store) record(op string, status models.AuditStatus, details map[string]any) {
	if err := s.audit.Record(op, status, details); err != nil {
		s.logger.Error("audit write failed", "operation", op, "error", err)
	}
}

func filterDetails(f models.CheckpointFilter, details map[string]any) map[string]any {
	if f.Phase != nil {
		details["phase"] = *f.Phase
	}
	if f.Wave != nil {
		details["wave"] = *f.Wave
	}
	return details
}
