package cli

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/config"
	"github.com/raphaelgruber/enrich/internal/db"
	"github.com/raphaelgruber/enrich/internal/engine"
	"github.com/raphaelgruber/enrich/internal/metrics"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/raphaelgruber/enrich/internal/telemetry"
)

// session holds everything one invocation of run or precheck needs.
type session struct {
	runID       string
	plan        *models.Plan
	graph       *db.Client
	closer      io.Closer
	audit       *audit.Log
	registry    *metrics.Registry
	collector   *metrics.Collector
	checkpoints *checkpoint.Store
	shutdown    func(context.Context) error
}

// openSession loads the targets file and connects the stores. The checkpoint
// backend is only opened when withCheckpoints is set.
func openSession(ctx context.Context, targetsPath string, withCheckpoints bool) (*session, error) {
	plan, err := config.LoadTargets(targetsPath)
	if err != nil {
		return nil, err
	}

	s := &session{runID: uuid.NewString(), plan: plan}
	ok := false
	defer func() {
		if !ok {
			s.close(ctx)
		}
	}()

	s.shutdown, err = telemetry.Init(ctx, cfg.TraceExporter, Version, os.Stderr)
	if err != nil {
		return nil, err
	}

	s.audit, err = audit.Open(cfg.AuditDir, plan.Operation, s.runID, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("audit log opened", "path", s.audit.Path(), "run_id", s.runID)

	s.registry = metrics.NewRegistry()
	s.collector = metrics.NewCollector(s.registry)

	s.graph, err = connectGraph(ctx)
	if err != nil {
		return nil, err
	}

	if withCheckpoints {
		backend, closer, err := openBackend(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "open checkpoint store")
		}
		s.closer = closer
		s.checkpoints = checkpoint.NewStore(backend, s.graph,
			checkpoint.WithBaseline(plan.Baseline),
			checkpoint.WithAudit(s.audit),
			checkpoint.WithLogger(logger),
		)
	}

	ok = true
	return s, nil
}

// orchestrator builds an orchestrator over the instrumented graph store.
func (s *session) orchestrator(mutatorOpts ...engine.MutatorOption) *engine.Orchestrator {
	store := engine.Instrument(s.graph, s.collector)
	opts := append([]engine.MutatorOption{
		engine.WithRateLimit(cfg.BatchesPerSec),
		engine.WithMaxBatches(cfg.MaxBatches),
		engine.WithMutatorAudit(s.audit),
		engine.WithMutatorLogger(logger.With("run_id", s.runID)),
		engine.WithMutatorMetrics(s.collector),
	}, mutatorOpts...)

	var checkpoints engine.Checkpointer
	if s.checkpoints != nil {
		checkpoints = s.checkpoints
	}
	return engine.NewOrchestrator(store, checkpoints,
		engine.WithRunID(s.runID),
		engine.WithBatchSize(cfg.BatchSize),
		engine.WithAudit(s.audit),
		engine.WithLogger(logger),
		engine.WithMetrics(s.collector),
		engine.WithMutator(engine.NewMutator(store, opts...)),
	)
}

// pushMetrics sends the run metrics to the Pushgateway when one is configured.
func (s *session) pushMetrics(ctx context.Context) {
	if cfg.PushgatewayURL == "" {
		return
	}
	if err := s.registry.Push(ctx, cfg.PushgatewayURL, "enrich_"+s.plan.Operation, s.runID); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}
}

func (s *session) close(ctx context.Context) {
	if s.graph != nil {
		if err := s.graph.Close(ctx); err != nil {
			logger.Warn("close failed", "resource", "surrealdb", "error", err)
		}
	}
	closeQuietly("checkpoint store", s.closer)
	if s.audit != nil {
		closeQuietly("audit log", s.audit)
	}
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}
