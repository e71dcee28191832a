package checkpoint

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunLifecycle(t *testing.T) {
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := state.CreateRun(Run{ID: "r1", Mode: "incremental", Since: &since, ConfigPath: "config.yaml"}); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	if err := state.UpdatePhase("r1", "migrating"); err != nil {
		t.Fatalf("UpdatePhase() error: %v", err)
	}

	run, err := state.GetRunByID("r1")
	if err != nil {
		t.Fatalf("GetRunByID() error: %v", err)
	}
	if run.Status != StatusRunning || run.Phase != "migrating" {
		t.Errorf("run = %s/%s, want running/migrating", run.Status, run.Phase)
	}
	if run.Since == nil || !run.Since.Equal(since) {
		t.Errorf("Since = %v, want %v", run.Since, since)
	}
	if run.CompletedAt != nil {
		t.Errorf("CompletedAt set on running run")
	}

	report := []byte(`{"runId":"r1","status":"completed"}`)
	if err := state.CompleteRun("r1", StatusCompleted, "", report); err != nil {
		t.Fatalf("CompleteRun() error: %v", err)
	}

	last, err := state.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun() error: %v", err)
	}
	if last.ID != "r1" || last.Status != StatusCompleted {
		t.Errorf("last run = %s/%s", last.ID, last.Status)
	}
	if last.Report != string(report) {
		t.Errorf("Report = %q", last.Report)
	}
	if last.CompletedAt == nil {
		t.Errorf("CompletedAt not set")
	}
}

func TestCompleteUnknownRun(t *testing.T) {
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	err = state.CompleteRun("nope", StatusFailed, "boom", nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("CompleteRun() error = %v, want not found", err)
	}
}

func TestGetAllRunsNewestFirst(t *testing.T) {
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := state.CreateRun(Run{ID: id, Mode: "full", StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("CreateRun(%s) error: %v", id, err)
		}
	}

	runs, err := state.GetAllRuns(2)
	if err != nil {
		t.Fatalf("GetAllRuns() error: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("runs = %+v, want c then b", runs)
	}

	missing, err := state.GetRunByID("zzz")
	if err != nil || missing != nil {
		t.Fatalf("GetRunByID(missing) = %v, %v", missing, err)
	}
}

func TestCleanupOldRuns(t *testing.T) {
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	oldSuccess := "old-success"
	oldFailed := "old-failed"
	recentSuccess := "recent-success"
	running := "running"

	for _, runID := range []string{oldSuccess, oldFailed, recentSuccess, running} {
		if err := state.CreateRun(Run{ID: runID, Mode: "full"}); err != nil {
			t.Fatalf("CreateRun(%s) error: %v", runID, err)
		}
	}

	if err := state.CompleteRun(oldSuccess, StatusCompleted, "", nil); err != nil {
		t.Fatalf("CompleteRun(%s) error: %v", oldSuccess, err)
	}
	if err := state.CompleteRun(oldFailed, StatusFailed, "boom", nil); err != nil {
		t.Fatalf("CompleteRun(%s) error: %v", oldFailed, err)
	}
	if err := state.CompleteRun(recentSuccess, StatusCompleted, "", nil); err != nil {
		t.Fatalf("CompleteRun(%s) error: %v", recentSuccess, err)
	}

	oldTime := formatTime(time.Now().AddDate(0, 0, -31))
	if _, err := state.db.Exec(`UPDATE runs SET completed_at = ? WHERE id IN (?, ?)`, oldTime, oldSuccess, oldFailed); err != nil {
		t.Fatalf("update old completed_at error: %v", err)
	}

	deleted, err := state.CleanupOldRuns(30)
	if err != nil {
		t.Fatalf("CleanupOldRuns error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted runs = %d, want 2", deleted)
	}

	if got := countRows(t, state.db, `SELECT COUNT(*) FROM runs`); got != 2 {
		t.Fatalf("runs remaining = %d, want 2", got)
	}
	if got := countRows(t, state.db, `SELECT COUNT(*) FROM runs WHERE id = ?`, running); got != 1 {
		t.Fatalf("running run missing after cleanup")
	}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var count int
	if err := db.QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	return count
}

func TestProfilesRoundTrip(t *testing.T) {
	t.Setenv(masterKeyEnv, "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")

	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	cfg := []byte("tenant: acme\nlegacy:\n  api_token: s3cret\n")
	if err := state.SaveProfile(Profile{Name: "acme", Description: "Acme prod", Tenant: "acme", BaseURL: "https://acme.example.com", Config: cfg}); err != nil {
		t.Fatalf("SaveProfile() error: %v", err)
	}

	var raw []byte
	if err := state.db.QueryRow(`SELECT config_enc FROM profiles WHERE name = ?`, "acme").Scan(&raw); err != nil {
		t.Fatalf("select raw profile: %v", err)
	}
	if strings.Contains(string(raw), "s3cret") {
		t.Fatalf("profile stored in plaintext")
	}

	got, err := state.GetProfile("acme")
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if string(got.Config) != string(cfg) || got.Tenant != "acme" || got.BaseURL != "https://acme.example.com" {
		t.Errorf("GetProfile() = %+v", got)
	}

	list, err := state.ListProfiles()
	if err != nil || len(list) != 1 || list[0].Description != "Acme prod" || list[0].Tenant != "acme" {
		t.Fatalf("ListProfiles() = %+v, %v", list, err)
	}
	if list[0].Config != nil {
		t.Errorf("ListProfiles() returned decrypted config")
	}

	if err := state.DeleteProfile("acme"); err != nil {
		t.Fatalf("DeleteProfile() error: %v", err)
	}
	if err := state.DeleteProfile("acme"); err == nil {
		t.Fatalf("second DeleteProfile() should fail")
	}
	if _, err := state.GetProfile("acme"); err == nil {
		t.Fatalf("GetProfile() after delete should fail")
	}
}

func TestProfileBoundToTenant(t *testing.T) {
	t.Setenv(masterKeyEnv, "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")

	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	if err := state.SaveProfile(Profile{Name: "nightly", Config: []byte("tenant: acme\n")}); err == nil {
		t.Fatalf("SaveProfile() without tenant should fail")
	}
	p := Profile{Name: "nightly", Tenant: "acme", BaseURL: "https://acme.example.com", Config: []byte("tenant: acme\n")}
	if err := state.SaveProfile(p); err != nil {
		t.Fatalf("SaveProfile() error: %v", err)
	}

	got, err := state.GetProfile("nightly")
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if err := got.Check("acme", "https://acme.example.com"); err != nil {
		t.Errorf("Check() same tenant = %v", err)
	}
	if err := got.Check("globex", "https://acme.example.com"); !errors.Is(err, ErrProfileMismatch) {
		t.Errorf("Check() other tenant = %v, want ErrProfileMismatch", err)
	}
	if err := got.Check("acme", "https://globex.example.com"); !errors.Is(err, ErrProfileMismatch) {
		t.Errorf("Check() other app = %v, want ErrProfileMismatch", err)
	}

	// Re-pointing the row at another tenant breaks decryption.
	if _, err := state.db.Exec(`UPDATE profiles SET tenant = 'globex' WHERE name = ?`, "nightly"); err != nil {
		t.Fatal(err)
	}
	if _, err := state.GetProfile("nightly"); err == nil {
		t.Fatalf("GetProfile() after tenant edit should fail")
	}
}
