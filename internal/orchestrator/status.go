package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/fieldsync/internal/checkpoint"
	"github.com/johndauphine/fieldsync/internal/store"
)

// StatusResult describes the tenant's sync state.
type StatusResult struct {
	Tenant     string           `json:"tenant"`
	Watermark  *time.Time       `json:"watermark,omitempty"`
	Lock       *store.Lock      `json:"lock,omitempty"`
	LockStale  bool             `json:"lock_stale,omitempty"`
	LastRun    *RunSummary      `json:"last_run,omitempty"`
	Mappings   map[string]int64 `json:"mappings"`
	RunningNow bool             `json:"running_now"`
}

// RunSummary is a history entry with its decoded report.
type RunSummary struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"`
	Phase       string     `json:"phase"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Origin      string     `json:"origin,omitempty"`
	Report      *Report    `json:"report,omitempty"`
}

func summarize(r *checkpoint.Run) *RunSummary {
	s := &RunSummary{
		ID:          r.ID,
		Mode:        r.Mode,
		Status:      r.Status,
		Phase:       r.Phase,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Origin:      runOrigin(r),
	}
	if r.Report != "" {
		if rep, err := ParseReport(r.Report); err == nil {
			s.Report = rep
		}
	}
	return s
}

// GetStatusResult gathers watermark, lock and last-run information.
func (o *Orchestrator) GetStatusResult(ctx context.Context) (*StatusResult, error) {
	res := &StatusResult{Tenant: o.config.Tenant, RunningNow: o.Running()}

	wm, ok, err := o.store.Watermark(ctx, o.config.Tenant)
	if err != nil {
		return nil, fmt.Errorf("reading watermark: %w", err)
	}
	if ok {
		res.Watermark = &wm
	}

	lock, err := o.store.LockHolder(ctx, o.config.Tenant)
	if err != nil {
		return nil, fmt.Errorf("reading run lock: %w", err)
	}
	if lock != nil {
		res.Lock = lock
		res.LockStale = lock.Expired(o.now())
	}

	if res.Mappings, err = o.store.CountMappings(ctx); err != nil {
		return nil, fmt.Errorf("counting mappings: %w", err)
	}

	run, err := o.state.GetLastRun()
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	if run != nil {
		res.LastRun = summarize(run)
	}
	return res, nil
}

// ShowStatus displays the tenant's sync state.
func (o *Orchestrator) ShowStatus(ctx context.Context) error {
	st, err := o.GetStatusResult(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Tenant:     %s\n", st.Tenant)
	if st.Watermark != nil {
		fmt.Printf("Watermark:  %s\n", st.Watermark.Format(time.RFC3339))
	} else {
		fmt.Println("Watermark:  none (next incremental run uses the fallback window)")
	}
	var total int64
	for _, n := range st.Mappings {
		total += n
	}
	fmt.Printf("Mappings:   %d\n", total)

	if st.Lock != nil {
		state := "held"
		if st.LockStale {
			state = "stale"
		}
		fmt.Printf("Lock:       %s by run %s since %s (expires %s)\n", state, st.Lock.Owner,
			st.Lock.AcquiredAt.Format(time.RFC3339), st.Lock.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Println("Lock:       free")
	}

	if st.LastRun == nil {
		fmt.Println("No sync history")
		return nil
	}
	r := st.LastRun
	fmt.Printf("\nLast run:   %s (%s)\n", r.ID, r.Mode)
	fmt.Printf("Status:     %s (%s)\n", r.Status, r.Phase)
	fmt.Printf("Started:    %s\n", r.StartedAt.Format(time.RFC3339))
	if r.Report != nil {
		fmt.Printf("Result:     %s\n", r.Report.Summary())
	} else if r.Error != "" {
		fmt.Printf("Error:      %s\n", r.Error)
	}
	return nil
}

// ShowHistory displays recent sync runs
func (o *Orchestrator) ShowHistory(limit int) error {
	runs, err := o.state.GetAllRuns(limit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No sync history")
		return nil
	}

	fmt.Printf("%-10s %-12s %-20s %-20s %-10s %-30s\n", "ID", "Mode", "Started", "Completed", "Status", "Origin")
	fmt.Println(strings.Repeat("-", 106))

	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-10s %-12s %-20s %-20s %-10s %-30s\n",
			r.ID, r.Mode, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status, runOrigin(&r))
		if r.Error != "" {
			fmt.Printf("           Error: %s\n", r.Error)
		}
	}

	fmt.Println("\nUse 'history --run <ID>' to view a run report")
	return nil
}

// ShowRunDetails displays detailed information for a specific run
func (o *Orchestrator) ShowRunDetails(runID string) error {
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	fmt.Printf("Run ID:        %s\n", run.ID)
	fmt.Printf("Mode:          %s\n", run.Mode)
	fmt.Printf("Status:        %s\n", run.Status)
	if run.Error != "" {
		fmt.Printf("Error:         %s\n", run.Error)
	}
	if run.Since != nil {
		fmt.Printf("Since:         %s\n", run.Since.Format(time.RFC3339))
	}
	fmt.Printf("Started:       %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Completed:     %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Duration:      %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if origin := runOrigin(run); origin != "" {
		fmt.Printf("Origin:        %s\n", origin)
	}

	if run.Report == "" {
		return nil
	}
	rep, err := ParseReport(run.Report)
	if err != nil {
		fmt.Println(run.Report)
		return nil
	}

	fmt.Println("\nEntity counts:")
	types := make([]string, 0, len(rep.Counts))
	for t := range rep.Counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		line := fmt.Sprintf("  %-16s %d", t, rep.Counts[t])
		if d := rep.Deleted[t]; d > 0 {
			line += fmt.Sprintf(" (%d deleted)", d)
		}
		fmt.Println(line)
	}
	fmt.Printf("Pipeline refs: %d\n", rep.PipelineRefsUpdated)
	fmt.Printf("New mappings:  %d\n", rep.NewMappings)
	fmt.Printf("Errors:        %d\n", rep.ErrorCount)
	for _, e := range rep.Errors {
		fmt.Printf("  %s\n", e)
	}
	if rep.ErrorCount > len(rep.Errors) {
		fmt.Printf("  ... and %d more\n", rep.ErrorCount-len(rep.Errors))
	}
	return nil
}

func runOrigin(r *checkpoint.Run) string {
	if r == nil {
		return ""
	}
	if r.ProfileName != "" {
		return "profile:" + r.ProfileName
	}
	if r.ConfigPath != "" {
		return "config:" + r.ConfigPath
	}
	return ""
}

// LastReport returns the report of the most recent finished run, or nil.
func (o *Orchestrator) LastReport() (*Report, error) {
	runs, err := o.state.GetAllRuns(20)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Status == checkpoint.StatusRunning || r.Report == "" {
			continue
		}
		return ParseReport(r.Report)
	}
	return nil, nil
}

// GetRunResult returns the stored summary for a run.
func (o *Orchestrator) GetRunResult(runID string) (*RunSummary, error) {
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return summarize(run), nil
}
