// Package memory keeps the append-only record of what each iteration
// attempted and how it went, and derives loop warnings from it.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Outcome classification for an iteration.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Entry is one iteration's record. Entries are never edited retroactively
// except for AttachCritique on the newest one.
type Entry struct {
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Feature   string    `json:"feature"`
	Approach  string    `json:"approach"`
	Outcome   string    `json:"outcome"`
	Commits   int       `json:"commits"`
	Learnings []string  `json:"learnings,omitempty"`
	Failures  []string  `json:"failures,omitempty"`
	Critique  string    `json:"critique,omitempty"`
}

// Memory is the per-initiative iteration log.
type Memory struct {
	Initiative string    `json:"initiative"`
	SprintFile string    `json:"sprint_file"`
	Started    time.Time `json:"started"`
	Entries    []Entry   `json:"entries"`
}

// Store persists Memory to a single JSON file with archival-on-conflict
// semantics: a memory for a different initiative, or one that no longer
// parses, is renamed aside rather than overwritten.
type Store struct {
	path string
	log  *zap.Logger
}

// NewStore creates a Store at path.
func NewStore(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, log: log}
}

// Load returns the memory for initiative, archiving any memory on disk that
// belongs to a different initiative or cannot be parsed.
func (s *Store) Load(initiative, sprintFile string) (*Memory, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.fresh(initiative, sprintFile), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}

	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn("memory file corrupt, archiving", zap.String("path", s.path), zap.Error(err))
		if err := s.Archive(); err != nil {
			return nil, err
		}
		return s.fresh(initiative, sprintFile), nil
	}

	if m.Initiative != initiative {
		s.log.Info("initiative changed, archiving memory",
			zap.String("old", m.Initiative), zap.String("new", initiative))
		if err := s.Archive(); err != nil {
			return nil, err
		}
		return s.fresh(initiative, sprintFile), nil
	}

	return &m, nil
}

// Peek reads the memory for initiative without side effects: a missing,
// corrupt, or mismatched file yields an empty in-memory view and nothing
// on disk is touched. Used by dry runs.
func (s *Store) Peek(initiative, sprintFile string) *Memory {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.fresh(initiative, sprintFile)
	}
	var m Memory
	if err := json.Unmarshal(data, &m); err != nil || m.Initiative != initiative {
		return s.fresh(initiative, sprintFile)
	}
	return &m
}

// Fresh archives any existing memory and starts an empty one.
func (s *Store) Fresh(initiative, sprintFile string) (*Memory, error) {
	if err := s.Archive(); err != nil {
		return nil, err
	}
	return s.fresh(initiative, sprintFile), nil
}

func (s *Store) fresh(initiative, sprintFile string) *Memory {
	return &Memory{
		Initiative: initiative,
		SprintFile: sprintFile,
		Started:    time.Now(),
	}
}

// Append adds an entry and persists.
func (s *Store) Append(m *Memory, e Entry) error {
	m.Entries = append(m.Entries, e)
	return s.Save(m)
}

// AttachCritique attaches a quality-gate critique to the most recent entry,
// downgrading its outcome, and persists. No-op on empty memory.
func (s *Store) AttachCritique(m *Memory, critique, outcome string) error {
	if len(m.Entries) == 0 {
		return nil
	}
	last := &m.Entries[len(m.Entries)-1]
	last.Critique = critique
	last.Outcome = outcome
	return s.Save(m)
}

// Save writes the memory document atomically.
func (s *Store) Save(m *Memory) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "memory-*.json.tmp")
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

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Archive renames the memory file aside with a timestamp suffix. Missing
// file is a no-op.
func (s *Store) Archive() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	archived := fmt.Sprintf("%s.%s.bak", s.path, time.Now().Format("20060102-150405"))
	if _, err := os.Stat(archived); err == nil {
		// Second archive within the same second; never clobber the first.
		archived = fmt.Sprintf("%s.%d.bak", s.path, time.Now().UnixNano())
	}
	if err := os.Rename(s.path, archived); err != nil {
		return fmt.Errorf("archive memory: %w", err)
	}
	s.log.Info("memory archived", zap.String("path", archived))
	return nil
}
