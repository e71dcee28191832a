package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/fieldsync/internal/checkpoint"
	"github.com/johndauphine/fieldsync/internal/mapping"
)

// maxReportErrors caps errors[]; ErrorCount always holds the full count.
const maxReportErrors = 1000

// Report is the outcome of one sync run, as returned to the trigger and
// stored in run history.
type Report struct {
	RunID               string         `json:"runId"`
	SyncMode            string         `json:"syncMode"`
	SyncedAt            time.Time      `json:"syncedAt"`
	Since               *time.Time     `json:"since,omitempty"`
	Counts              map[string]int `json:"counts"`
	Deleted             map[string]int `json:"deleted,omitempty"`
	PipelineRefsUpdated int            `json:"pipelineRefsUpdated"`
	NewMappings         int64          `json:"newMappings"`
	ErrorCount          int            `json:"errorCount"`
	Errors              []string       `json:"errors"`
	Status              string         `json:"status"`
	Error               string         `json:"error,omitempty"`
	DurationMs          int64          `json:"durationMs"`
}

func newReport(runID, mode string, start time.Time, since *time.Time, types []mapping.EntityType) *Report {
	r := &Report{
		RunID:    runID,
		SyncMode: mode,
		SyncedAt: start,
		Since:    since,
		Counts:   make(map[string]int, len(types)),
		Errors:   []string{},
		Status:   checkpoint.StatusRunning,
	}
	for _, t := range types {
		r.Counts[string(t)] = 0
	}
	return r
}

func (r *Report) addError(msg string) {
	r.ErrorCount++
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// Migrated is the total record count across entity types.
func (r *Report) Migrated() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// Failed reports whether the run ended in the Failed state.
func (r *Report) Failed() bool {
	return r.Status == checkpoint.StatusFailed
}

// Summary is a one-line description for operators.
func (r *Report) Summary() string {
	if r.Failed() {
		return fmt.Sprintf("run failed: %s", r.Error)
	}
	return fmt.Sprintf("%d migrated, %d errors", r.Migrated(), r.ErrorCount)
}

// ParseReport decodes a report stored in run history.
func ParseReport(data string) (*Report, error) {
	var r Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("parsing run report: %w", err)
	}
	return &r, nil
}
