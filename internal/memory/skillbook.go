package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Skillbook is the accumulated free-text learnings file injected into
// future prompts. Review critiques append to it; nothing ever removes from it.
type Skillbook struct {
	path string
}

// NewSkillbook creates a Skillbook at path.
func NewSkillbook(path string) *Skillbook {
	return &Skillbook{path: path}
}

// Load returns the skillbook text, or "" when none exists yet.
func (sb *Skillbook) Load() string {
	data, err := os.ReadFile(sb.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Append adds a section to the skillbook, creating it on first write.
func (sb *Skillbook) Append(section string) error {
	section = strings.TrimSpace(section)
	if section == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(sb.path), 0o755); err != nil {
		return fmt.Errorf("create skillbook dir: %w", err)
	}
	f, err := os.OpenFile(sb.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open skillbook: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(section + "\n\n"); err != nil {
		return fmt.Errorf("append skillbook: %w", err)
	}
	return nil
}
