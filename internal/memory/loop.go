package memory

import (
	"fmt"
	"strings"
)

// Detector thresholds. These are deliberate string-matching heuristics
// carried over unchanged; tightening them changes observable behavior.
const (
	failureWarnCount   = 2  // repeated failures on one feature -> warning
	failureBlockCount  = 3  // repeated failures on one feature -> blocked
	oscillateWindow    = 5  // entries scanned for fix/revert churn
	oscillateCount     = 3  // fix/revert hits within the window -> warning
	approachPrefixLen  = 50 // normalized approach prefix compared for duplicates
	approachWarnCount  = 2
	approachBlockCount = 3
)

// Analysis is the derived loop report for one iteration. It is advisory:
// warnings and blocked approaches are injected into the next prompt, the
// detector never stops the loop itself.
type Analysis struct {
	HasLoop           bool
	Warnings          []string
	BlockedApproaches []string
}

// Analyze scans the full entry history for repeated failures, fix/revert
// oscillation, and duplicated approaches.
func Analyze(m *Memory) Analysis {
	var a Analysis
	if m == nil || len(m.Entries) == 0 {
		return a
	}

	a.scanRepeatedFailures(m.Entries)
	a.scanOscillation(m.Entries)
	a.scanRepeatedApproaches(m.Entries)

	return a
}

// scanRepeatedFailures counts failure outcomes per feature description.
func (a *Analysis) scanRepeatedFailures(entries []Entry) {
	failures := make(map[string]int)
	for _, e := range entries {
		if e.Outcome == OutcomeFailure {
			failures[e.Feature]++
		}
	}
	for feature, count := range failures {
		if count >= failureBlockCount {
			a.HasLoop = true
			a.Warnings = append(a.Warnings,
				fmt.Sprintf("LOOP DETECTED: %q has failed %d times", feature, count))
			a.BlockedApproaches = append(a.BlockedApproaches, feature)
		} else if count >= failureWarnCount {
			a.Warnings = append(a.Warnings,
				fmt.Sprintf("warning: %q has failed %d times", feature, count))
		}
	}
}

// scanOscillation looks for fix/revert churn in the recent failure texts.
func (a *Analysis) scanOscillation(entries []Entry) {
	recent := entries
	if len(recent) > oscillateWindow {
		recent = recent[len(recent)-oscillateWindow:]
	}

	var hits []string
	for _, e := range recent {
		for _, f := range e.Failures {
			lower := strings.ToLower(f)
			if strings.Contains(lower, "fix") || strings.Contains(lower, "revert") {
				hits = append(hits, f)
			}
		}
	}

	if len(hits) >= oscillateCount {
		echo := hits
		if len(echo) > 3 {
			echo = echo[len(echo)-3:]
		}
		a.Warnings = append(a.Warnings, fmt.Sprintf(
			"possible fix/revert oscillation in the last %d iterations: %s",
			oscillateWindow, strings.Join(echo, "; ")))
	}
}

// scanRepeatedApproaches deduplicates normalized approach prefixes.
func (a *Analysis) scanRepeatedApproaches(entries []Entry) {
	counts := make(map[string]int)
	originals := make(map[string]string)
	for _, e := range entries {
		key := normalizeApproach(e.Approach)
		if key == "" {
			continue
		}
		counts[key]++
		originals[key] = e.Approach
	}

	for key, count := range counts {
		if count < approachWarnCount {
			continue
		}
		a.Warnings = append(a.Warnings,
			fmt.Sprintf("approach attempted %d times: %q", count, originals[key]))
		if count >= approachBlockCount {
			a.HasLoop = true
			a.BlockedApproaches = append(a.BlockedApproaches, originals[key])
		}
	}
}

func normalizeApproach(approach string) string {
	norm := strings.ToLower(strings.TrimSpace(approach))
	if len(norm) > approachPrefixLen {
		norm = norm[:approachPrefixLen]
	}
	return norm
}
