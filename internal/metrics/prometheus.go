package metrics

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "enrich"

// States the run_state gauge knows about.
var states = []string{
	"INIT", "PRECHECK", "PRE_CHECKPOINT", "MUTATING", "LABEL_VALIDATION",
	"BASELINE_VALIDATION", "POST_CHECKPOINT", "DONE", "ABORTED", "FAILED",
}

// Registry holds the Prometheus metrics of one run on a private registry.
type Registry struct {
	reg *prometheus.Registry

	opDuration *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
	batches    *prometheus.CounterVec
	labeled    *prometheus.CounterVec
	runState   *prometheus.GaugeVec
}

// NewRegistry creates the run metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		opDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Graph and checkpoint store call duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		opErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_errors_total",
				Help:      "Failed graph and checkpoint store calls.",
			},
			[]string{"operation"},
		),
		batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mutator",
				Name:      "batches_total",
				Help:      "Applied label batches by target.",
			},
			[]string{"target"},
		),
		labeled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mutator",
				Name:      "entities_labeled_total",
				Help:      "Entities updated by label batches, by target.",
			},
			[]string{"target"},
		),
		runState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "state",
				Help:      "1 for the state the orchestrator is currently in.",
			},
			[]string{"state"},
		),
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) observeOp(op string, d time.Duration, err error) {
	r.opDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		r.opErrors.WithLabelValues(op).Inc()
	}
}

func (r *Registry) observeBatch(target string, labeled int) {
	r.batches.WithLabelValues(target).Inc()
	r.labeled.WithLabelValues(target).Add(float64(labeled))
}

func (r *Registry) setState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		r.runState.WithLabelValues(s).Set(v)
	}
}

// Push sends every metric to a Pushgateway under job, grouped by run id.
func (r *Registry) Push(ctx context.Context, url, job, runID string) error {
	err := push.New(url, job).
		Gatherer(r.reg).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}
