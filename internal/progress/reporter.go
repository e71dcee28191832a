package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

// ProgressUpdate is one JSON line emitted for automation.
type ProgressUpdate struct {
	Timestamp        string   `json:"timestamp"`
	RunID            string   `json:"run_id,omitempty"`
	Phase            string   `json:"phase"`
	Entity           string   `json:"entity,omitempty"`
	EntitiesComplete int      `json:"entities_complete"`
	RecordsProcessed int64    `json:"records_processed"`
	RecordErrors     int64    `json:"record_errors,omitempty"`
	RecordsPerSecond int64    `json:"records_per_second,omitempty"`
	FailedEntities   []string `json:"failed_entities,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update, throttled by the configured interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for phase transitions.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (r *NullReporter) Report(update ProgressUpdate)          {}
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}
func (r *NullReporter) Close()                                {}

// RunReporter turns orchestrator events into progress updates.
type RunReporter struct {
	reporter Reporter

	mu        sync.Mutex
	runID     string
	phase     orchestrator.Phase
	entity    mapping.EntityType
	complete  int
	processed int64
	errors    int64
	failed    []string
	started   time.Time
}

// NewRunReporter wraps r as an orchestrator observer.
func NewRunReporter(r Reporter) *RunReporter {
	return &RunReporter{reporter: r}
}

// snapshot must be called with mu held.
func (rr *RunReporter) snapshot() ProgressUpdate {
	u := ProgressUpdate{
		RunID:            rr.runID,
		Phase:            string(rr.phase),
		Entity:           string(rr.entity),
		EntitiesComplete: rr.complete,
		RecordsProcessed: rr.processed,
		RecordErrors:     rr.errors,
		FailedEntities:   rr.failed,
	}
	if secs := time.Since(rr.started).Seconds(); secs >= 1 {
		u.RecordsPerSecond = int64(float64(rr.processed) / secs)
	}
	return u
}

func (rr *RunReporter) PhaseChanged(runID string, phase orchestrator.Phase, entity mapping.EntityType) {
	rr.mu.Lock()
	if phase == orchestrator.PhasePlanning {
		*rr = RunReporter{reporter: rr.reporter, started: time.Now()}
	}
	rr.runID = runID
	rr.phase = phase
	rr.entity = entity
	u := rr.snapshot()
	rr.mu.Unlock()
	rr.reporter.ReportImmediate(u)
}

func (rr *RunReporter) RecordProcessed(entity mapping.EntityType, err error) {
	rr.mu.Lock()
	rr.processed++
	if err != nil {
		rr.errors++
	}
	u := rr.snapshot()
	rr.mu.Unlock()
	rr.reporter.Report(u)
}

func (rr *RunReporter) EntityFinished(runID string, entity mapping.EntityType, res *migrate.Result, err error) {
	rr.mu.Lock()
	rr.complete++
	if err != nil {
		rr.failed = append(rr.failed, string(entity))
	}
	u := rr.snapshot()
	rr.mu.Unlock()
	rr.reporter.ReportImmediate(u)
}

func (rr *RunReporter) RunFinished(report *orchestrator.Report) {
	rr.mu.Lock()
	rr.phase = orchestrator.Phase(report.Status)
	rr.entity = ""
	u := rr.snapshot()
	rr.mu.Unlock()
	rr.reporter.ReportImmediate(u)
}

var (
	_ orchestrator.Observer = (*Tracker)(nil)
	_ orchestrator.Observer = (*RunReporter)(nil)
)
