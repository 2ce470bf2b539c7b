// Package ui renders human-facing run output: the banner, per-iteration
// status lines, loop warnings, and the final summary.
package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Reporter writes styled status output.
type Reporter struct {
	out io.Writer
}

// NewReporter creates a Reporter. A nil writer defaults to stdout.
func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{out: out}
}

// Banner prints the run header.
func (r *Reporter) Banner(version, initiative string, maxIterations int) {
	fmt.Fprintln(r.out, titleStyle.Render(fmt.Sprintf("autopilot %s", version)))
	fmt.Fprintf(r.out, "Initiative: %s\n", initiative)
	fmt.Fprintf(r.out, "Max iterations: %d\n\n", maxIterations)
}

// Iteration prints the iteration header line.
func (r *Reporter) Iteration(n, max int, feature string) {
	fmt.Fprintln(r.out, titleStyle.Render(fmt.Sprintf("── Iteration %d/%d ── %s", n, max, feature)))
}

// Info prints a plain status line.
func (r *Reporter) Info(msg string) {
	fmt.Fprintln(r.out, msg)
}

// Dim prints de-emphasized output, used for streamed agent text.
func (r *Reporter) Dim(msg string) {
	fmt.Fprintln(r.out, dimStyle.Render(msg))
}

// Warn prints a warning line. Loop-detector warnings surface here during
// the run, not only in the final summary.
func (r *Reporter) Warn(msg string) {
	fmt.Fprintln(r.out, warnStyle.Render("⚠ "+msg))
}

// Error prints an error line.
func (r *Reporter) Error(msg string) {
	fmt.Fprintln(r.out, errorStyle.Render("✗ "+msg))
}

// Success prints a success line.
func (r *Reporter) Success(msg string) {
	fmt.Fprintln(r.out, successStyle.Render("✓ "+msg))
}

// Summary describes a finished run for the final report.
type Summary struct {
	Status       string
	Iterations   int
	TotalCommits int
	StallCount   int
	CostUSD      float64
	Duration     time.Duration
}

// Summarize prints the end-of-run block. Each stop condition gets a
// distinct headline.
func (r *Reporter) Summarize(s Summary) {
	var headline string
	switch s.Status {
	case "completed":
		headline = successStyle.Render("✓ Sprint completed")
	case "stalled":
		headline = errorStyle.Render("✗ Run stalled: no progress for too many iterations")
	case "interrupted":
		headline = warnStyle.Render("⚠ Run interrupted, resume with --resume")
	default:
		headline = warnStyle.Render("⚠ Iteration budget exhausted")
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, headline)
	fmt.Fprintf(r.out, "  Iterations: %d\n", s.Iterations)
	fmt.Fprintf(r.out, "  Commits:    %d\n", s.TotalCommits)
	fmt.Fprintf(r.out, "  Stalls:     %d\n", s.StallCount)
	fmt.Fprintf(r.out, "  Cost:       $%.2f\n", s.CostUSD)
	fmt.Fprintf(r.out, "  Duration:   %s\n", s.Duration.Round(time.Second))
}
