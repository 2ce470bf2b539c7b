// Package backlog reads and updates the sprint document that defines the
// work items for one initiative.
package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sprint status values.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ErrMissing indicates the sprint file does not exist. The run must not
// start without one.
var ErrMissing = errors.New("sprint file not found")

// Feature is a single work item. Description is immutable once created;
// Passes is the only field the control loop ever writes.
type Feature struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Passes      bool   `json:"passes"`
}

// Sprint is the on-disk backlog for one initiative. The agent engine authors
// and extends it; the control loop only flips Passes back on gate failures.
type Sprint struct {
	Initiative string    `json:"initiative"`
	Created    time.Time `json:"created"`
	Status     string    `json:"status"`
	Features   []Feature `json:"features"`
}

// Current returns the first feature that has not passed, or nil.
func (s *Sprint) Current() *Feature {
	for i := range s.Features {
		if !s.Features[i].Passes {
			return &s.Features[i]
		}
	}
	return nil
}

// Incomplete returns the set of feature IDs that have not passed.
func (s *Sprint) Incomplete() map[string]bool {
	ids := make(map[string]bool)
	for _, f := range s.Features {
		if !f.Passes {
			ids[f.ID] = true
		}
	}
	return ids
}

// NewlyPassed returns features that pass now but were in the incomplete set
// captured before the iteration.
func (s *Sprint) NewlyPassed(before map[string]bool) []Feature {
	var newly []Feature
	for _, f := range s.Features {
		if f.Passes && before[f.ID] {
			newly = append(newly, f)
		}
	}
	return newly
}

// Completed reports whether every feature has passed.
func (s *Sprint) Completed() bool {
	if len(s.Features) == 0 {
		return false
	}
	for _, f := range s.Features {
		if !f.Passes {
			return false
		}
	}
	return true
}

// Revert flips Passes back to false for the given feature IDs and reopens
// the sprint status. Used only by the quality gate.
func (s *Sprint) Revert(ids []string) {
	reverted := make(map[string]bool, len(ids))
	for _, id := range ids {
		reverted[id] = true
	}
	for i := range s.Features {
		if reverted[s.Features[i].ID] {
			s.Features[i].Passes = false
		}
	}
	if len(ids) > 0 {
		s.Status = StatusInProgress
	}
}

// Store loads and saves the sprint file.
type Store struct {
	path string
}

// NewStore creates a Store for the given sprint file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the sprint file location.
func (st *Store) Path() string {
	return st.path
}

// Load reads the sprint document. A missing file is ErrMissing.
func (st *Store) Load() (*Sprint, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, st.path)
		}
		return nil, fmt.Errorf("read sprint: %w", err)
	}

	var sp Sprint
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("parse sprint %s: %w", st.path, err)
	}
	if sp.Status == "" {
		sp.Status = StatusInProgress
	}
	return &sp, nil
}

// Save writes the sprint document atomically.
func (st *Store) Save(sp *Sprint) error {
	data, err := json.MarshalIndent(sp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sprint: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sprint dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "sprint-*.json.tmp")
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

	if err := os.Rename(tmpPath, st.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
