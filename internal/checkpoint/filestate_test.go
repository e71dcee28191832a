package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileState_RunLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	stateFile := filepath.Join(tmpDir, "state.yaml")

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}

	last, err := fs.GetLastRun()
	if err != nil || last != nil {
		t.Fatalf("GetLastRun on empty state = %v, %v", last, err)
	}

	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := fs.CreateRun(Run{ID: "test123", Mode: "incremental", Since: &since, ProfileName: "myprofile"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := os.Stat(stateFile); os.IsNotExist(err) {
		t.Fatal("state file not created")
	}

	if err := fs.UpdatePhase("test123", "reconciling"); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}
	// other runs are ignored
	if err := fs.UpdatePhase("other", "migrating"); err != nil {
		t.Fatalf("UpdatePhase(other): %v", err)
	}

	run, err := fs.GetRunByID("test123")
	if err != nil || run == nil {
		t.Fatalf("GetRunByID: %v, %v", run, err)
	}
	if run.Status != StatusRunning || run.Phase != "reconciling" {
		t.Errorf("run = %s/%s, want running/reconciling", run.Status, run.Phase)
	}

	if err := fs.CompleteRun("other", StatusCompleted, "", nil); err == nil {
		t.Error("CompleteRun with wrong ID should fail")
	}
	if err := fs.CompleteRun("test123", StatusFailed, "store unavailable", []byte(`{"status":"failed"}`)); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	data, _ := os.ReadFile(stateFile)
	if !strings.Contains(string(data), "store unavailable") {
		t.Errorf("state file missing error:\n%s", data)
	}

	runs, err := fs.GetAllRuns(10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("GetAllRuns = %v, %v", runs, err)
	}
	if runs[0].Report != `{"status":"failed"}` {
		t.Errorf("Report = %q", runs[0].Report)
	}
}

func TestFileState_LoadExisting(t *testing.T) {
	tmpDir := t.TempDir()
	stateFile := filepath.Join(tmpDir, "state.yaml")

	content := `run_id: existing-run
mode: full
started_at: 2025-01-01T10:00:00Z
completed_at: 2025-01-01T10:05:00Z
status: completed
phase: completed
profile_name: acme
`
	if err := os.WriteFile(stateFile, []byte(content), 0600); err != nil {
		t.Fatalf("write state file: %v", err)
	}

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}

	run, err := fs.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if run == nil || run.ID != "existing-run" {
		t.Fatalf("run = %+v, want existing-run", run)
	}
	if run.Mode != "full" || run.ProfileName != "acme" {
		t.Errorf("run = %+v", run)
	}
	if run.CompletedAt == nil || run.CompletedAt.Sub(run.StartedAt) != 5*time.Minute {
		t.Errorf("timestamps not loaded: %+v", run)
	}
}

func TestFileState_BadYAML(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(stateFile, []byte("run_id: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileState(stateFile); err == nil {
		t.Fatal("expected parse error")
	}
}
