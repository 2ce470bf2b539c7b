package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kylegalloway/autopilot/internal/backlog"
	"github.com/kylegalloway/autopilot/internal/engine"
)

// Verdict is the reviewer's structured answer.
type Verdict struct {
	Approved    bool     `json:"approved"`
	Critique    string   `json:"critique"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// review runs the independent review for one feature. Infrastructure
// failure on any path returns an approving verdict; only an explicit
// rejection blocks the claim.
func (p *Pipeline) review(ctx context.Context, f backlog.Feature, commits, files []string) Verdict {
	req := engine.Request{
		Prompt:         reviewPrompt(f, commits, files),
		Model:          p.Config.ReviewModel,
		Timeout:        p.Config.ReviewTimeout,
		CostCeilingUSD: p.Config.ReviewCeilingUSD,
		Dir:            p.Dir,
	}

	res, err := p.Engine.Invoke(ctx, req)
	if err != nil {
		p.Log.Warn("review invocation failed, approving by default", zap.Error(err))
		return Verdict{Approved: true}
	}
	if res.TimedOut || res.ExitStatus != 0 {
		p.Log.Warn("review did not complete, approving by default",
			zap.Bool("timed_out", res.TimedOut),
			zap.Int("exit_status", res.ExitStatus))
		return Verdict{Approved: true}
	}

	verdict, err := parseVerdict(res.Text)
	if err != nil {
		p.Log.Warn("review verdict unparseable, approving by default", zap.Error(err))
		return Verdict{Approved: true}
	}
	return verdict
}

// reviewPrompt gives the reviewer only the claim's evidence: commit
// messages, changed files, and the criteria. Never the implementation
// transcript.
func reviewPrompt(f backlog.Feature, commits, files []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are reviewing a completion claim for this feature:\n\n%s\n\n", f.Description)

	b.WriteString("## Commits this iteration\n\n")
	if len(commits) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range commits {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\n## Changed files\n\n")
	if len(files) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	b.WriteString(`
## Criteria

- The commits plausibly implement the feature as described
- The change is not a stub, placeholder, or test-only edit
- Tests or verification accompany behavior changes
- No unrelated or suspicious file churn

Inspect the repository as needed. Respond with only a JSON object:
{"approved": true|false, "critique": "<one paragraph>", "suggestions": ["..."]}
`)
	return b.String()
}

// parseVerdict accepts a bare JSON object or one inside a fenced code block.
func parseVerdict(text string) (Verdict, error) {
	raw := strings.TrimSpace(text)

	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = strings.TrimSpace(rest[:end])
		}
	}

	// Tolerate prose around the object.
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in verdict")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	return v, nil
}
