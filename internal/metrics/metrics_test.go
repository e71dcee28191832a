package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fieldsync/internal/legacy"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

func TestRecordProcessed(t *testing.T) {
	m, err := NewSyncMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordProcessed(mapping.Task, nil)
	m.RecordProcessed(mapping.Task, nil)
	m.RecordProcessed(mapping.Task, errors.New("bad date"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordsTotal.WithLabelValues("task", "migrated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordsTotal.WithLabelValues("task", "error")))
}

func TestRunLifecycle(t *testing.T) {
	m, err := NewSyncMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.PhaseChanged("r1", orchestrator.PhasePlanning, "")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runInProgress))

	m.EntityFinished("r1", mapping.Client, &migrate.Result{Duration: time.Second}, errors.New("giving up"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.entityFailures.WithLabelValues("client")))

	started := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m.RunFinished(&orchestrator.Report{Status: "completed", SyncedAt: started, DurationMs: 1500, PipelineRefsUpdated: 3, NewMappings: 7})

	assert.Equal(t, float64(0), testutil.ToFloat64(m.runInProgress))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(started.Unix()), testutil.ToFloat64(m.lastSuccess))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.refsUpdated))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.mappingsMinted))

	m.RunFinished(&orchestrator.Report{Status: "failed", SyncedAt: started.Add(time.Hour)})
	assert.Equal(t, float64(started.Unix()), testutil.ToFloat64(m.lastSuccess), "failed runs do not move last success")
}

func TestRecordRequestAndHandler(t *testing.T) {
	m, err := NewSyncMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordRequest(legacy.RequestInfo{Method: "GET", Kind: "obj", Status: 200, Duration: 20 * time.Millisecond})
	m.RecordRequest(legacy.RequestInfo{Method: "GET", Kind: "obj", Err: errors.New("reset")})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.legacyRequests.WithLabelValues("GET", "obj", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.legacyRequests.WithLabelValues("GET", "obj", "error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "fieldsync_legacy_requests_total")
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewSyncMetrics(reg)
	require.NoError(t, err)
	_, err = NewSyncMetrics(reg)
	assert.Error(t, err)
}
