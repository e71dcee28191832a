package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []orchestrator.Request
	report  *orchestrator.Report
	err     error
	last    *orchestrator.Report
	healthy bool
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	return f.report, f.err
}

func (f *fakeRunner) LastReport() (*orchestrator.Report, error) {
	return f.last, nil
}

func (f *fakeRunner) HealthCheck(ctx context.Context) (*orchestrator.HealthCheckResult, error) {
	return &orchestrator.HealthCheckResult{Healthy: f.healthy, StoreConnected: true, LegacyConnected: f.healthy}, nil
}

const token = "s3cret"

func do(t *testing.T, s *Server, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTriggerSyncReturnsReport(t *testing.T) {
	runner := &fakeRunner{report: &orchestrator.Report{RunID: "r1", SyncMode: "incremental", Status: "completed", Counts: map[string]int{"task": 3}, Errors: []string{}}}
	s := New(runner, StaticToken(token), nil)

	rec := do(t, s, http.MethodPost, "/api/v1/sync", `{"mode":"incremental","sinceDate":"2024-05-01"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got orchestrator.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, 3, got.Counts["task"])

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, migrate.Incremental, runner.reqs[0].Mode)
	require.NotNil(t, runner.reqs[0].Since)
	assert.True(t, runner.reqs[0].Since.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestTriggerSyncValidation(t *testing.T) {
	s := New(&fakeRunner{}, StaticToken(token), nil)

	tests := []struct {
		name string
		body string
	}{
		{"unknown mode", `{"mode":"partial"}`},
		{"missing mode", `{}`},
		{"bad date", `{"mode":"incremental","sinceDate":"last tuesday"}`},
		{"since with full", `{"mode":"full","sinceDate":"2024-05-01"}`},
		{"malformed json", `{"mode":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/sync", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAuthRequired(t *testing.T) {
	s := New(&fakeRunner{}, StaticToken(token), nil)

	rec := do(t, s, http.MethodPost, "/api/v1/sync", `{"mode":"full"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/last", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunInProgressIs409(t *testing.T) {
	runner := &fakeRunner{err: orchestrator.ErrRunInProgress}
	s := New(runner, StaticToken(token), nil)
	rec := do(t, s, http.MethodPost, "/api/v1/sync", `{"mode":"full"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOverlappingTriggersInProcess(t *testing.T) {
	runner := &fakeRunner{
		report:  &orchestrator.Report{RunID: "r1", Status: "completed"},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	s := New(runner, StaticToken(token), nil)

	done := make(chan int)
	go func() {
		done <- do(t, s, http.MethodPost, "/api/v1/sync", `{"mode":"full"}`, true).Code
	}()
	<-runner.started

	rec := do(t, s, http.MethodPost, "/api/v1/sync", `{"mode":"full"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(runner.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestFailedRunReturnsReportWith500(t *testing.T) {
	runner := &fakeRunner{
		report: &orchestrator.Report{RunID: "r1", Status: "failed", Error: "store unavailable"},
		err:    errors.New("store unavailable"),
	}
	s := New(runner, StaticToken(token), nil)

	rec := do(t, s, http.MethodPost, "/api/v1/sync", `{"mode":"full"}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestLastSync(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, StaticToken(token), nil)

	rec := do(t, s, http.MethodGet, "/api/v1/sync/last", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	runner.last = &orchestrator.Report{RunID: "r9", Status: "completed"}
	rec = do(t, s, http.MethodGet, "/api/v1/sync/last", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runId":"r9"`)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	runner := &fakeRunner{healthy: true}
	s := New(runner, StaticToken(token), promhttp.Handler())

	rec := do(t, s, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	runner.healthy = false
	rec = do(t, s, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStaticToken(t *testing.T) {
	assert.NoError(t, StaticToken("abc").ValidateToken("abc"))
	assert.ErrorIs(t, StaticToken("abc").ValidateToken("abd"), ErrInvalidToken)
	assert.ErrorIs(t, StaticToken("").ValidateToken(""), ErrInvalidToken)
}
