package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector(nil)
	c.RecordTiming(OpSelectBatch, 10*time.Millisecond, nil)
	c.RecordTiming(OpSelectBatch, 30*time.Millisecond, nil)
	c.RecordTiming(OpSelectBatch, 20*time.Millisecond, errors.New("boom"))

	snap := c.Snapshot()
	op := snap.Operations[OpSelectBatch]
	require.NotNil(t, op)
	assert.Equal(t, int64(3), op.Count)
	assert.Equal(t, int64(1), op.Errors)
	assert.Equal(t, int64(60), op.TotalTimeMs)
	assert.Equal(t, 20.0, op.AvgTimeMs)
	assert.Equal(t, int64(10), op.MinTimeMs)
	assert.Equal(t, int64(30), op.MaxTimeMs)
	assert.Nil(t, snap.Operations[OpApplyLabels])
}

func TestRecordBatch(t *testing.T) {
	c := NewCollector(nil)
	c.RecordBatch("docs", 50)
	c.RecordBatch("docs", 20)
	c.RecordBatch("films", 5)

	snap := c.Snapshot()
	assert.Equal(t, TargetSnapshot{Batches: 2, Labeled: 70}, snap.Targets["docs"])
	assert.Equal(t, TargetSnapshot{Batches: 1, Labeled: 5}, snap.Targets["films"])
}

func TestPrometheusMirror(t *testing.T) {
	reg := NewRegistry()
	c := NewCollector(reg)

	c.RecordBatch("docs", 50)
	c.RecordBatch("docs", 25)
	c.RecordTiming(OpApplyLabels, time.Millisecond, errors.New("boom"))
	c.RecordState("MUTATING")
	c.RecordState("DONE")

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.batches.WithLabelValues("docs")))
	assert.Equal(t, 75.0, testutil.ToFloat64(reg.labeled.WithLabelValues("docs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.opErrors.WithLabelValues(OpApplyLabels)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.runState.WithLabelValues("DONE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.runState.WithLabelValues("MUTATING")))
}

func TestPush(t *testing.T) {
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	NewCollector(reg).RecordBatch("docs", 1)

	require.NoError(t, reg.Push(context.Background(), srv.URL, "enrich", "run-1"))
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, strings.Contains(path.Load().(string), "/job/enrich/run_id/run-1"))
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := NewRegistry()
	assert.Error(t, reg.Push(context.Background(), srv.URL, "enrich", "run-1"))
}
