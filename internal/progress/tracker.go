package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Tracker renders one spinner bar per entity type while a run is in flight.
type Tracker struct {
	orchestrator.BaseObserver

	w         io.Writer
	startTime time.Time
	processed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	entity mapping.EntityType
}

// New creates a tracker writing to w (stderr when nil).
func New(w io.Writer) *Tracker {
	if w == nil {
		w = os.Stderr
	}
	return &Tracker{w: w, startTime: time.Now()}
}

func (t *Tracker) newBar(desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		-1,
		progressbar.OptionSetWriter(t.w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// PhaseChanged starts a bar for each entity type as it begins.
func (t *Tracker) PhaseChanged(runID string, phase orchestrator.Phase, entity mapping.EntityType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch phase {
	case orchestrator.PhasePlanning:
		t.startTime = time.Now()
		t.processed.Store(0)
		t.failed.Store(0)
	case orchestrator.PhaseRunning:
		if entity == "" {
			return
		}
		t.closeBar()
		t.entity = entity
		t.bar = t.newBar(fmt.Sprintf("Syncing %s", entity))
	case orchestrator.PhaseReconciling:
		t.closeBar()
		fmt.Fprintln(t.w, "Reconciling late references...")
	}
}

// RecordProcessed advances the current bar.
func (t *Tracker) RecordProcessed(entity mapping.EntityType, err error) {
	t.processed.Add(1)
	if err != nil {
		t.failed.Add(1)
	}
	t.mu.Lock()
	if t.bar != nil && entity == t.entity {
		_ = t.bar.Add(1)
	}
	t.mu.Unlock()
}

// EntityFinished closes the bar and prints a one-line result.
func (t *Tracker) EntityFinished(runID string, entity mapping.EntityType, res *migrate.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entity == t.entity {
		t.closeBar()
	}
	if err != nil {
		fmt.Fprintf(t.w, "  %-14s FAILED: %v\n", entity, err)
		return
	}
	if res == nil {
		return
	}
	line := fmt.Sprintf("  %-14s %d migrated", entity, res.Migrated)
	if res.Deleted > 0 {
		line += fmt.Sprintf(" (%d deleted)", res.Deleted)
	}
	if len(res.Errors) > 0 {
		line += fmt.Sprintf(", %d errors", len(res.Errors))
	}
	fmt.Fprintf(t.w, "%s in %s\n", line, res.Duration.Round(time.Millisecond))
}

// RunFinished prints the run summary.
func (t *Tracker) RunFinished(report *orchestrator.Report) {
	t.mu.Lock()
	t.closeBar()
	t.mu.Unlock()

	elapsed := time.Since(t.startTime)
	processed := t.processed.Load()
	rate := float64(0)
	if elapsed.Seconds() > 0 {
		rate = float64(processed) / elapsed.Seconds()
	}
	logging.Debug("Processed %d records (%d failed) in %s (%.0f records/sec)",
		processed, t.failed.Load(), elapsed.Round(time.Millisecond), rate)
	fmt.Fprintf(t.w, "Run %s %s: %s\n", report.RunID, report.Status, report.Summary())
}

// Processed returns the number of records seen so far.
func (t *Tracker) Processed() int64 {
	return t.processed.Load()
}

// Failed returns the number of records that failed so far.
func (t *Tracker) Failed() int64 {
	return t.failed.Load()
}

// closeBar must be called with mu held.
func (t *Tracker) closeBar() {
	if t.bar != nil {
		_ = t.bar.Finish()
		fmt.Fprintln(t.w)
		t.bar = nil
	}
	t.entity = ""
}
