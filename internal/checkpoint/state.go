package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State keeps run history and profiles in SQLite.
type State struct {
	db *sql.DB
}

// New opens (creating if needed) the history database under dataDir.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "fieldsync.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		since TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		phase TEXT NOT NULL DEFAULT 'planning',
		error TEXT,
		profile_name TEXT,
		config_path TEXT,
		report TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		description TEXT,
		tenant TEXT NOT NULL,
		base_url TEXT NOT NULL,
		config_enc BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// CreateRun records the start of a run.
func (s *State) CreateRun(run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, since, started_at, status, phase, profile_name, config_path)
		VALUES (?, ?, ?, ?, 'running', 'planning', ?, ?)
	`, run.ID, run.Mode, formatOptionalTime(run.Since), formatTime(run.StartedAt), run.ProfileName, run.ConfigPath)
	return err
}

// UpdatePhase records the phase a run is in.
func (s *State) UpdatePhase(runID, phase string) error {
	_, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE id = ?`, phase, runID)
	return err
}

// CompleteRun marks a run finished and stores its report.
func (s *State) CompleteRun(runID, status, errorMsg string, report []byte) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, report = ?, completed_at = ?
		WHERE id = ?
	`, status, errorMsg, string(report), formatTime(time.Now()), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const runColumns = `id, mode, since, started_at, completed_at, status, phase, error, profile_name, config_path, report`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var since, completed, errMsg, profile, configPath, report sql.NullString
	var started string
	if err := row.Scan(&r.ID, &r.Mode, &since, &started, &completed, &r.Status, &r.Phase,
		&errMsg, &profile, &configPath, &report); err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	r.Since = parseOptionalTime(since)
	r.CompletedAt = parseOptionalTime(completed)
	r.Error = errMsg.String
	r.ProfileName = profile.String
	r.ConfigPath = configPath.String
	r.Report = report.String
	return &r, nil
}

// GetLastRun returns the most recently started run.
func (s *State) GetLastRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRunByID returns a specific run.
func (s *State) GetRunByID(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetAllRuns returns recent runs, newest first.
func (s *State) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CleanupOldRuns deletes finished runs that completed more than
// retentionDays ago and returns how many were removed.
func (s *State) CleanupOldRuns(retentionDays int) (int, error) {
	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := s.db.Exec(`
		DELETE FROM runs
		WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
