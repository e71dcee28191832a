package checkpoint

import "time"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one sync run as recorded in local history.
type Run struct {
	ID          string
	Mode        string
	Since       *time.Time
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Phase       string
	Error       string
	ProfileName string
	ConfigPath  string
	// Report is the JSON run report, set once the run finishes.
	Report string
}

// StateBackend persists run history. History is informational only: the
// watermark and run lock live in the relational store.
// Implementations include SQLite (full featured) and a YAML file (last run only).
type StateBackend interface {
	CreateRun(run Run) error
	UpdatePhase(runID, phase string) error
	CompleteRun(runID, status, errorMsg string, report []byte) error

	GetLastRun() (*Run, error)
	GetRunByID(runID string) (*Run, error)
	GetAllRuns(limit int) ([]Run, error)

	Close() error
}

// HistoryBackend extends StateBackend with profile management.
// Only SQLite implements this; file backend does not support profiles.
type HistoryBackend interface {
	StateBackend

	CleanupOldRuns(retentionDays int) (int, error)

	// Profile management (encrypted config storage)
	SaveProfile(p Profile) error
	GetProfile(name string) (*Profile, error)
	ListProfiles() ([]Profile, error)
	DeleteProfile(name string) error
}

// Ensure State implements HistoryBackend
var _ HistoryBackend = (*State)(nil)
var _ StateBackend = (*FileState)(nil)
