// Package state persists the durable run record for crash recovery and
// resume.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Run status values.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunStalled     = "stalled"
	RunInterrupted = "interrupted"
)

// Session status values.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionStalled   = "stalled"
	SessionError     = "error"
	SessionTimeout   = "timeout"
)

// SessionLog records one iteration's engine invocation. Immutable once
// EndTime is set, except for the interrupt path which force-sets status
// to error.
type SessionLog struct {
	ID           string    `json:"id"`
	Iteration    int       `json:"iteration"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	StartCommits int       `json:"start_commits"`
	EndCommits   int       `json:"end_commits"`
	CommitsMade  int       `json:"commits_made"`
	FilesChanged int       `json:"files_changed"`
	ExitStatus   int       `json:"exit_status"`
	TimedOut     bool      `json:"timed_out"`
	Retries      int       `json:"retries"`
	CostUSD      float64   `json:"cost_usd"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Status       string    `json:"status"`
}

// RunState is the singleton run record for a working directory.
type RunState struct {
	Initiative    string       `json:"initiative"`
	Started       time.Time    `json:"started"`
	Iterations    int          `json:"iterations"`
	TotalCommits  int          `json:"total_commits"`
	StallCount    int          `json:"stall_count"`
	Sessions      []SessionLog `json:"sessions"`
	SessionID     string       `json:"session_id,omitempty"` // engine resume handle
	TotalCostUSD  float64      `json:"total_cost_usd"`
	TotalDuration float64      `json:"total_duration_secs"`
	Status        string       `json:"status"`
}

// NewRunState creates a fresh running state for an initiative.
func NewRunState(initiative string) *RunState {
	return &RunState{
		Initiative: initiative,
		Started:    time.Now(),
		Status:     RunRunning,
	}
}

// Manager handles run-state persistence.
type Manager struct {
	path string
	log  *zap.Logger
}

// NewManager creates a Manager at path.
func NewManager(path string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{path: path, log: log}
}

// Save persists the run state atomically.
func (m *Manager) Save(rs *RunState) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "run-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Load reads the persisted run state. A missing or malformed file yields
// (nil, nil): the caller reinitializes rather than crashing.
func (m *Manager) Load() (*RunState, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}

	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		m.log.Warn("run state corrupt, reinitializing", zap.String("path", m.path), zap.Error(err))
		return nil, nil
	}

	return &rs, nil
}

// Exists returns true if a run-state file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
