package checkpoint

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileState implements StateBackend using a single YAML file holding the
// last run only. Meant for schedulers and containers where a local SQLite
// database is impractical.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

type fileStateData struct {
	RunID       string     `yaml:"run_id"`
	Mode        string     `yaml:"mode"`
	Since       *time.Time `yaml:"since,omitempty"`
	StartedAt   time.Time  `yaml:"started_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
	Status      string     `yaml:"status"`
	Phase       string     `yaml:"phase"`
	Error       string     `yaml:"error,omitempty"`
	ProfileName string     `yaml:"profile_name,omitempty"`
	ConfigPath  string     `yaml:"config_path,omitempty"`
	Report      string     `yaml:"report,omitempty"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path:  path,
		state: &fileStateData{},
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	}

	return fs, nil
}

func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (fs *FileState) run() *Run {
	return &Run{
		ID:          fs.state.RunID,
		Mode:        fs.state.Mode,
		Since:       fs.state.Since,
		StartedAt:   fs.state.StartedAt,
		CompletedAt: fs.state.CompletedAt,
		Status:      fs.state.Status,
		Phase:       fs.state.Phase,
		Error:       fs.state.Error,
		ProfileName: fs.state.ProfileName,
		ConfigPath:  fs.state.ConfigPath,
		Report:      fs.state.Report,
	}
}

// CreateRun replaces the stored run with a new one.
func (fs *FileState) CreateRun(run Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	fs.state = &fileStateData{
		RunID:       run.ID,
		Mode:        run.Mode,
		Since:       run.Since,
		StartedAt:   run.StartedAt,
		Status:      StatusRunning,
		Phase:       "planning",
		ProfileName: run.ProfileName,
		ConfigPath:  run.ConfigPath,
	}
	return fs.save()
}

// UpdatePhase updates the current phase of the run.
func (fs *FileState) UpdatePhase(runID, phase string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID != runID {
		return nil
	}
	fs.state.Phase = phase
	return fs.save()
}

// CompleteRun marks the run as finished.
func (fs *FileState) CompleteRun(runID, status, errorMsg string, report []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID != runID {
		return fmt.Errorf("run ID mismatch: expected %s, got %s", fs.state.RunID, runID)
	}

	now := time.Now()
	fs.state.Status = status
	fs.state.CompletedAt = &now
	fs.state.Error = errorMsg
	fs.state.Report = string(report)
	return fs.save()
}

// GetLastRun returns the stored run, or nil if none was recorded.
func (fs *FileState) GetLastRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" {
		return nil, nil
	}
	return fs.run(), nil
}

// GetRunByID returns the run if it matches.
func (fs *FileState) GetRunByID(runID string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" || fs.state.RunID != runID {
		return nil, nil
	}
	return fs.run(), nil
}

// GetAllRuns returns at most the one stored run.
func (fs *FileState) GetAllRuns(limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" {
		return nil, nil
	}
	return []Run{*fs.run()}, nil
}

// Close is a no-op for file state.
func (fs *FileState) Close() error {
	return nil
}

// Path returns the state file path.
func (fs *FileState) Path() string {
	return fs.path
}
