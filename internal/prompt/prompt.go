// Package prompt assembles the instruction text for each engine iteration.
// Assembly is deterministic: same inputs, same prompt, fixed section order.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kylegalloway/autopilot/internal/backlog"
	"github.com/kylegalloway/autopilot/internal/memory"
)

// recentEntries is how many memory entries are echoed verbatim.
const recentEntries = 5

// Input carries everything the composer reads. It writes nothing.
type Input struct {
	Iteration int
	Feature   backlog.Feature
	Sprint    string // sprint file path, for the instructions section
	Analysis  memory.Analysis
	Memory    *memory.Memory
	Commits   []string // recent commit summaries, newest first
	Skillbook string
}

// Compose builds the iteration prompt. Section order is fixed; the loop
// warnings and skillbook sections are omitted entirely when empty, never
// emitted as bare headers.
func Compose(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Iteration %d\n\n", in.Iteration)

	fmt.Fprintf(&b, "## Current feature\n\n%s: %s\n\n", in.Feature.ID, in.Feature.Description)

	// Warnings come before everything else the agent might skim past.
	if len(in.Analysis.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range in.Analysis.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}

	if len(in.Analysis.BlockedApproaches) > 0 {
		b.WriteString("## Blocked approaches\n\nDo not retry these; they have failed repeatedly:\n\n")
		for _, a := range in.Analysis.BlockedApproaches {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}

	writeMemorySummary(&b, in.Memory)

	b.WriteString("## Recent commits\n\n")
	if len(in.Commits) == 0 {
		b.WriteString("(none yet)\n")
	} else {
		for _, c := range in.Commits {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\n")

	if in.Skillbook != "" {
		fmt.Fprintf(&b, "## Skillbook\n\n%s\n\n", in.Skillbook)
	}

	writeInstructions(&b, in.Sprint)

	return b.String()
}

// writeMemorySummary emits the deduplicated do-not-repeat list followed by
// the most recent entries.
func writeMemorySummary(b *strings.Builder, m *memory.Memory) {
	b.WriteString("## Memory\n\n")
	if m == nil || len(m.Entries) == 0 {
		b.WriteString("(no prior iterations)\n\n")
		return
	}

	seen := make(map[string]bool)
	var failures []string
	for _, e := range m.Entries {
		for _, f := range e.Failures {
			if !seen[f] {
				seen[f] = true
				failures = append(failures, f)
			}
		}
	}
	if len(failures) > 0 {
		b.WriteString("Do not repeat these failures:\n\n")
		for _, f := range failures {
			fmt.Fprintf(b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	recent := m.Entries
	if len(recent) > recentEntries {
		recent = recent[len(recent)-recentEntries:]
	}
	b.WriteString("Recent iterations:\n\n")
	for _, e := range recent {
		fmt.Fprintf(b, "- Iteration %d [%s] %s: %s\n", e.Iteration, e.Outcome, e.Feature, e.Approach)
		for _, l := range e.Learnings {
			fmt.Fprintf(b, "  - learned: %s\n", l)
		}
		if e.Critique != "" {
			fmt.Fprintf(b, "  - reviewer: %s\n", e.Critique)
		}
	}
	b.WriteString("\n")
}

func writeInstructions(b *strings.Builder, sprintFile string) {
	fmt.Fprintf(b, `## Instructions

Work on the current feature only. Commit each coherent change with a clear
message. When the feature genuinely works end to end, set its "passes" flag
to true in %s. Do not mark a feature passing to make progress appear; a
quality gate verifies every claim.

End your final message with one line per insight:
LEARNING: <something worth remembering for later iterations>
FAILURE: <something that did not work and why>
`, sprintFile)
}
