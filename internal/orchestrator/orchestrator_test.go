package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/fieldsync/internal/checkpoint"
	"github.com/johndauphine/fieldsync/internal/config"
	"github.com/johndauphine/fieldsync/internal/legacy"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/model"
	"github.com/johndauphine/fieldsync/internal/reconcile"
	"github.com/johndauphine/fieldsync/internal/store"
)

// fakeSource serves in-memory records, honouring the deleted and
// modified-since constraints.
type fakeSource struct {
	mu      sync.Mutex
	records map[string][]legacy.Record
	fail    map[string]error
	bounds  []string
	pingErr error
}

func (f *fakeSource) add(legacyType string, recs ...legacy.Record) {
	if f.records == nil {
		f.records = make(map[string][]legacy.Record)
	}
	f.records[legacyType] = append(f.records[legacyType], recs...)
}

func (f *fakeSource) ListAll(ctx context.Context, legacyType string, cs []legacy.Constraint, fn func(legacy.Record) error) error {
	f.mu.Lock()
	for _, c := range cs {
		if c.Type == legacy.GreaterThan {
			f.bounds = append(f.bounds, c.Value.(string))
		}
	}
	err := f.fail[legacyType]
	recs := f.records[legacyType]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !matches(rec, cs) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Ping(ctx context.Context, legacyType string) error {
	return f.pingErr
}

func matches(rec legacy.Record, cs []legacy.Constraint) bool {
	for _, c := range cs {
		v, present := rec[c.Key]
		present = present && v != nil && v != ""
		switch c.Type {
		case legacy.IsEmpty:
			if present {
				return false
			}
		case legacy.IsNotEmpty:
			if !present {
				return false
			}
		case legacy.GreaterThan:
			s, _ := v.(string)
			got, err1 := time.Parse(time.RFC3339Nano, s)
			bound, err2 := time.Parse(time.RFC3339Nano, c.Value.(string))
			if err1 != nil || err2 != nil || !got.After(bound) {
				return false
			}
		}
	}
	return true
}

type recordingObserver struct {
	BaseObserver
	mu     sync.Mutex
	phases []string
	final  *Report
}

func (r *recordingObserver) PhaseChanged(runID string, phase Phase, entity mapping.EntityType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := string(phase)
	if entity != "" {
		label += ":" + string(entity)
	}
	r.phases = append(r.phases, label)
}

func (r *recordingObserver) RunFinished(report *Report) {
	r.final = report
}

type fixture struct {
	orch  *Orchestrator
	src   *fakeSource
	store *store.Store
	state *checkpoint.State
	obs   *recordingObserver
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, &config.StoreConfig{Type: "sqlite", Path: filepath.Join(dir, "sync.db")})
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	if err := st.EnsureSyncTables(ctx); err != nil {
		t.Fatalf("EnsureSyncTables() error: %v", err)
	}
	tables := append(model.Tables(), reconcile.Tables()...)
	if err := st.EnsureTables(ctx, tables...); err != nil {
		t.Fatalf("EnsureTables() error: %v", err)
	}

	state, err := checkpoint.New(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("checkpoint.New() error: %v", err)
	}

	cfg := &config.Config{
		Tenant: "acme",
		Sync: config.SyncConfig{
			DefaultMode:    "incremental",
			FallbackWindow: 7 * 24 * time.Hour,
			Workers:        4,
			LockTTL:        time.Hour,
			CacheTTL:       time.Minute,
		},
	}
	f := &fixture{
		src:   &fakeSource{},
		store: st,
		state: state,
		obs:   &recordingObserver{},
		clock: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
	}
	f.orch = NewWithDeps(cfg, Options{ConfigPath: "config.yaml"}, Deps{Store: st, Source: f.src, State: state})
	f.orch.now = func() time.Time { return f.clock }
	f.orch.Observe(f.obs)
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) seed() {
	mod := "2024-06-09T08:00:00Z"
	f.src.add("Company", legacy.Record{"_id": "C1", "Company Name": "Acme", "Modified Date": mod})
	f.src.add("User", legacy.Record{"_id": "U1", "First Name": "Ann", "Company": "C1", "Employee Type": "Admin", "Modified Date": mod})
	f.src.add("Client", legacy.Record{"_id": "CL1", "Name": "Jo", "Company": "C1", "Modified Date": mod})
	f.src.add("Project", legacy.Record{"_id": "P1", "Project Name": "Roof", "Company": "C1", "Client": "CL1", "Status": "Booked", "Modified Date": mod})
	f.src.add("Calendar Event", legacy.Record{"_id": "E1", "Title": "Visit", "Company": "C1", "Project": "P1", "Task": "T1", "Modified Date": mod})
	f.src.add("Task", legacy.Record{"_id": "T1", "Task Title": "Inspect", "Company": "C1", "Project": "P1", "Status": "todo", "Modified Date": mod})
}

func (f *fixture) watermark(t *testing.T) (time.Time, bool) {
	t.Helper()
	wm, ok, err := f.store.Watermark(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Watermark() error: %v", err)
	}
	return wm, ok
}

func TestFullRunMigratesAndReconciles(t *testing.T) {
	f := newFixture(t)
	f.seed()
	ctx := context.Background()

	report, err := f.orch.Run(ctx, Request{Mode: migrate.Full})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Status != checkpoint.StatusCompleted {
		t.Fatalf("Status = %s, want completed (%s)", report.Status, report.Error)
	}
	if report.Since != nil {
		t.Errorf("full run has Since = %v", report.Since)
	}
	for typ, want := range map[string]int{"company": 1, "user": 1, "client": 1, "project": 1, "calendarEvent": 1, "task": 1, "contact": 0, "subClient": 0} {
		if got := report.Counts[typ]; got != want {
			t.Errorf("Counts[%s] = %d, want %d", typ, got, want)
		}
	}
	if report.PipelineRefsUpdated != 1 {
		t.Errorf("PipelineRefsUpdated = %d, want 1 (calendar event task)", report.PipelineRefsUpdated)
	}
	if report.NewMappings != 6 {
		t.Errorf("NewMappings = %d, want 6", report.NewMappings)
	}
	if report.ErrorCount != 0 || len(report.Errors) != 0 {
		t.Errorf("errors = %v", report.Errors)
	}

	taskID, ok, err := f.orch.Resolver().Lookup(ctx, mapping.Task, "T1")
	if err != nil || !ok {
		t.Fatalf("task mapping missing: %v", err)
	}
	eventID, _, _ := f.orch.Resolver().Lookup(ctx, mapping.CalendarEvent, "E1")
	row, err := f.store.Get(ctx, "calendar_events", eventID, "task_id")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if row["task_id"] != taskID {
		t.Errorf("calendar task_id = %v, want %s", row["task_id"], taskID)
	}

	wm, ok := f.watermark(t)
	if !ok || !wm.Equal(f.clock) {
		t.Errorf("watermark = %v (%v), want run start %v", wm, ok, f.clock)
	}

	// A rerun is idempotent.
	again, err := f.orch.Run(ctx, Request{Mode: migrate.Full})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if again.NewMappings != 0 || again.PipelineRefsUpdated != 0 {
		t.Errorf("rerun minted %d mappings and updated %d refs", again.NewMappings, again.PipelineRefsUpdated)
	}
	if n, _ := f.store.CountRows(ctx, "tasks"); n != 1 {
		t.Errorf("tasks rows = %d, want 1", n)
	}
}

func TestIncrementalWatermarkProgression(t *testing.T) {
	f := newFixture(t)
	f.seed()
	ctx := context.Background()

	first, err := f.orch.Run(ctx, Request{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	wantSince := f.clock.Add(-7 * 24 * time.Hour)
	if first.SyncMode != "incremental" || first.Since == nil || !first.Since.Equal(wantSince) {
		t.Fatalf("first run since = %v, want fallback %v", first.Since, wantSince)
	}
	if first.Counts["company"] != 1 {
		t.Errorf("company count = %d, want 1", first.Counts["company"])
	}

	runStart := f.clock
	f.clock = f.clock.Add(2 * time.Hour)
	second, err := f.orch.Run(ctx, Request{})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if second.Since == nil || !second.Since.Equal(runStart) {
		t.Fatalf("second run since = %v, want previous start %v", second.Since, runStart)
	}
	// Nothing changed after the first run started.
	if second.Counts["company"] != 0 {
		t.Errorf("second run company count = %d, want 0", second.Counts["company"])
	}

	last := f.src.bounds[len(f.src.bounds)-1]
	if last != runStart.Add(-time.Millisecond).Format("2006-01-02T15:04:05.000Z07:00") {
		t.Errorf("modified-since bound = %s", last)
	}
}

func TestRequestedSinceOverridesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.SetWatermark(ctx, "acme", f.clock.Add(-time.Hour), "old"); err != nil {
		t.Fatal(err)
	}

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	report, err := f.orch.Run(ctx, Request{Mode: migrate.Incremental, Since: &since})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !report.Since.Equal(since) {
		t.Errorf("Since = %v, want %v", report.Since, since)
	}
}

func TestFatalErrorFailsRunWithoutAdvancingWatermark(t *testing.T) {
	f := newFixture(t)
	f.seed()
	ctx := context.Background()
	prev := f.clock.Add(-24 * time.Hour)
	if err := f.store.SetWatermark(ctx, "acme", prev, "old"); err != nil {
		t.Fatal(err)
	}
	f.src.fail = map[string]error{"Client": &legacy.APIError{Method: "GET", Path: "/obj/client", StatusCode: 401}}

	report, err := f.orch.Run(ctx, Request{})
	if !errors.Is(err, legacy.ErrUnauthorized) {
		t.Fatalf("Run() error = %v, want ErrUnauthorized", err)
	}
	if report == nil || report.Status != checkpoint.StatusFailed {
		t.Fatalf("report = %+v, want failed", report)
	}
	if !strings.Contains(report.Error, "client") {
		t.Errorf("Error = %q, want entity type in message", report.Error)
	}
	if report.Counts["company"] != 1 || report.Counts["project"] != 0 {
		t.Errorf("counts = %v, want run stopped at client", report.Counts)
	}

	wm, _ := f.watermark(t)
	if !wm.Equal(prev) {
		t.Errorf("watermark advanced to %v", wm)
	}
	if holder, _ := f.store.LockHolder(ctx, "acme"); holder != nil {
		t.Errorf("lock not released: %+v", holder)
	}

	run, err := f.state.GetLastRun()
	if err != nil || run == nil {
		t.Fatalf("GetLastRun() = %v, %v", run, err)
	}
	if run.Status != checkpoint.StatusFailed || run.Phase != string(PhaseFailed) || run.Error == "" {
		t.Errorf("history = %s/%s/%q", run.Status, run.Phase, run.Error)
	}
}

func TestRetryExhaustionFailsOnlyThatEntityType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prev := f.clock.Add(-24 * time.Hour)
	if err := f.store.SetWatermark(ctx, "acme", prev, "previous"); err != nil {
		t.Fatal(err)
	}
	f.seed()
	f.src.add("Contact", legacy.Record{"_id": "K1", "Name": "Kim", "Company": "C1"})
	f.src.fail = map[string]error{"Task": &legacy.RetryError{Attempts: 4, Err: &legacy.APIError{StatusCode: 502}}}

	report, err := f.orch.Run(ctx, Request{Mode: migrate.Full})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Status != checkpoint.StatusCompleted {
		t.Fatalf("Status = %s", report.Status)
	}
	if report.ErrorCount != 1 || !strings.HasPrefix(report.Errors[0], "task/*: ") {
		t.Fatalf("errors = %v, want one task/* error", report.Errors)
	}
	if report.Counts["contact"] != 1 {
		t.Errorf("contact count = %d, want 1 (run continues after task)", report.Counts["contact"])
	}
	// Late reference stays unresolved until tasks sync.
	if report.PipelineRefsUpdated != 0 {
		t.Errorf("PipelineRefsUpdated = %d, want 0", report.PipelineRefsUpdated)
	}
	// Task records changed since prev were never fetched, so the bound stays.
	if wm, ok := f.watermark(t); !ok || !wm.Equal(prev) {
		t.Errorf("watermark = %v (%v), want previous %v", wm, ok, prev)
	}

	f.src.fail = nil
	f.clock = f.clock.Add(time.Hour)
	if _, err := f.orch.Run(ctx, Request{Mode: migrate.Full}); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if wm, ok := f.watermark(t); !ok || !wm.Equal(f.clock) {
		t.Errorf("watermark = %v (%v), want %v after a clean run", wm, ok, f.clock)
	}
}

func TestRecordErrorsAreReported(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.src.add("Task", legacy.Record{"_id": "T2", "Task Title": "Orphan", "Company": "C1", "Project": "P-missing"})

	report, err := f.orch.Run(context.Background(), Request{Mode: migrate.Full})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Counts["task"] != 1 || report.ErrorCount != 1 {
		t.Fatalf("task count %d, errors %v", report.Counts["task"], report.Errors)
	}
	if !strings.HasPrefix(report.Errors[0], "task/T2: ") {
		t.Errorf("error = %q", report.Errors[0])
	}
}

func TestLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.store.AcquireLock(ctx, "acme", "other-run", time.Hour)
	if err != nil || !ok {
		t.Fatalf("AcquireLock() = %v, %v", ok, err)
	}

	report, err := f.orch.Run(ctx, Request{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("Run() error = %v, want ErrRunInProgress", err)
	}
	if report != nil {
		t.Errorf("report returned for rejected run")
	}
	if !strings.Contains(err.Error(), "other-run") {
		t.Errorf("error %q does not name the holder", err)
	}
	if _, ok := f.watermark(t); ok {
		t.Errorf("watermark written by rejected run")
	}
}

func TestPhasesAndReportShape(t *testing.T) {
	f := newFixture(t)
	f.src.add("Company", legacy.Record{"_id": "C1", "Company Name": "Acme"})

	report, err := f.orch.Run(context.Background(), Request{Mode: migrate.Full, Types: []mapping.EntityType{mapping.Client, mapping.Company}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{"planning", "running:company", "running:client", "reconciling", "completed"}
	if strings.Join(f.obs.phases, ",") != strings.Join(want, ",") {
		t.Errorf("phases = %v, want %v", f.obs.phases, want)
	}
	if f.obs.final != report {
		t.Errorf("observer did not receive the final report")
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"runId", "syncMode", "syncedAt", "counts", "pipelineRefsUpdated", "newMappings", "errorCount", "errors", "status", "durationMs"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("report JSON missing %q", key)
		}
	}
	if _, ok := decoded["since"]; ok {
		t.Errorf("full run report has since")
	}

	last, err := f.orch.LastReport()
	if err != nil || last == nil || last.RunID != report.RunID {
		t.Fatalf("LastReport() = %+v, %v", last, err)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Run(context.Background(), Request{Mode: "sometimes"}); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := f.orch.Run(context.Background(), Request{Types: []mapping.EntityType{mapping.Task}}); err == nil {
		t.Error("expected error when dependencies are missing from the run")
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck() error: %v", err)
	}
	if !res.Healthy || res.StoreType != "sqlite" {
		t.Errorf("result = %+v", res)
	}

	f.src.pingErr = legacy.ErrUnauthorized
	res, err = f.orch.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck() error: %v", err)
	}
	if res.Healthy || res.LegacyConnected || !res.StoreConnected || res.LegacyError == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestStatusResult(t *testing.T) {
	f := newFixture(t)
	f.seed()
	ctx := context.Background()
	if _, err := f.orch.Run(ctx, Request{Mode: migrate.Full}); err != nil {
		t.Fatal(err)
	}

	st, err := f.orch.GetStatusResult(ctx)
	if err != nil {
		t.Fatalf("GetStatusResult() error: %v", err)
	}
	if st.Watermark == nil || st.Lock != nil || st.RunningNow {
		t.Errorf("status = %+v", st)
	}
	if st.Mappings["task"] != 1 || st.Mappings["company"] != 1 {
		t.Errorf("mappings = %v", st.Mappings)
	}
	if st.LastRun == nil || st.LastRun.Report == nil || st.LastRun.Origin != "config:config.yaml" {
		t.Fatalf("last run = %+v", st.LastRun)
	}
}
