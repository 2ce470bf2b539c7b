package orchestrator

// Progress classifies what one iteration achieved, judged purely from the
// commit-count delta and the working-tree diff.
type Progress int

const (
	// ProgressNone means no commits and no file changes.
	ProgressNone Progress = iota
	// ProgressSoft means no commits but uncommitted file changes exist.
	ProgressSoft
	// ProgressHard means at least one new commit landed.
	ProgressHard
)

func (p Progress) String() string {
	switch p {
	case ProgressHard:
		return "hard"
	case ProgressSoft:
		return "soft"
	default:
		return "none"
	}
}

// Classify derives the progress class from the commits made during the
// iteration and the number of changed-but-uncommitted files after it.
func Classify(commits, files int) Progress {
	switch {
	case commits > 0:
		return ProgressHard
	case files > 0:
		return ProgressSoft
	default:
		return ProgressNone
	}
}

// NextStall applies one iteration's progress to the stall counter. Hard
// progress resets it, soft progress leaves it untouched, no progress
// increments it.
func NextStall(p Progress, stall int) int {
	switch p {
	case ProgressHard:
		return 0
	case ProgressSoft:
		return stall
	default:
		return stall + 1
	}
}
