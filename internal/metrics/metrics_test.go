package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New("insight")
	m.ObserveIngest("accepted", "accepted", 20*time.Millisecond, 3)
	m.ObserveIngest("rejected", "nonce_reused", time.Millisecond, 0)
	m.InsightChanged(true, "high")
	m.InsightChanged(false, "high")
	m.WorkerRun("nonce_sweep", nil)
	m.WorkerRun("nonce_sweep", errors.New("boom"))
	m.RedisObserver()("setnx", time.Millisecond, nil)
	m.HTTPRequest("POST", "/ingest", 202)
	m.RetentionPurged("contributions", 5, false)
	m.RetentionPurged("contributions", 2, true)
	m.RetentionPurged("inactive_devices", 0, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestRequests.WithLabelValues("rejected", "nonce_reused")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ObservationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InsightChanges.WithLabelValues("merged", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues("nonce_sweep", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/ingest", "2xx")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RedisOps))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RetentionRows.WithLabelValues("contributions", "delete")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RetentionRows))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "insight_ingest_requests_total")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIngest("accepted", "accepted", time.Millisecond, 1)
		m.ObserveStage("verify", time.Millisecond)
		m.InsightChanged(true, "info")
		m.DailyMetricUpserted()
		m.ObserveLockWait(time.Millisecond)
		m.EventDropped("ingest.audit")
		m.WorkerRun("baseline_refresh", nil)
		m.HTTPRequest("GET", "/health", 200)
		m.RedisObserver()("get", time.Millisecond, nil)
		m.RetentionPurged("contributions", 3, false)
	})
}
