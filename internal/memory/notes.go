package memory

import "strings"

// ExtractNotes pulls LEARNING:/FAILURE: lines out of the engine's final
// message. The prompt asks the agent to emit them; anything else is ignored.
func ExtractNotes(text string) (learnings, failures []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "LEARNING:"):
			if note := strings.TrimSpace(strings.TrimPrefix(line, "LEARNING:")); note != "" {
				learnings = append(learnings, note)
			}
		case strings.HasPrefix(line, "FAILURE:"):
			if note := strings.TrimSpace(strings.TrimPrefix(line, "FAILURE:")); note != "" {
				failures = append(failures, note)
			}
		}
	}
	return learnings, failures
}
