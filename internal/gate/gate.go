// Package gate verifies completion claims. When an iteration flips a
// feature to passing, the claim runs through a binary test gate and then an
// independent review before it is allowed to stand.
package gate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kylegalloway/autopilot/internal/backlog"
	"github.com/kylegalloway/autopilot/internal/engine"
	"github.com/kylegalloway/autopilot/internal/memory"
	"github.com/kylegalloway/autopilot/internal/sanitize"
)

// maxCritiqueLen bounds test output stored as a critique.
const maxCritiqueLen = 4000

// Config holds the gate's own budgets, distinct from the main iteration's.
type Config struct {
	TestCommand      string // empty -> auto-detect
	TestTimeout      time.Duration
	ReviewTimeout    time.Duration
	ReviewCeilingUSD float64
	ReviewModel      string
}

// Pipeline runs the two-stage quality gate.
type Pipeline struct {
	Engine engine.Engine
	Sprint *backlog.Store
	Memory *memory.Store
	Skills *memory.Skillbook
	Config Config
	Dir    string
	Log    *zap.Logger
}

// Report summarizes one gate run for the caller's display and logs.
type Report struct {
	TestsRan    bool
	TestsPassed bool
	TestOutput  string
	Approved    []string // feature IDs that survived review
	Rejected    []string // feature IDs reverted by review
}

// Run gates the newly-passed features of one iteration.
//
// Stage A failure reverts every newly-passed feature and skips review
// entirely. Stage B reviews each survivor independently; reviewer
// infrastructure failure defaults to approval so it can never masquerade as
// an implementation failure.
func (p *Pipeline) Run(ctx context.Context, sp *backlog.Sprint, mem *memory.Memory, newly []backlog.Feature, commits, files []string) (Report, error) {
	var rep Report
	if len(newly) == 0 {
		return rep, nil
	}

	passed, output, ran := p.runTests(ctx)
	rep.TestsRan = ran
	rep.TestsPassed = passed
	rep.TestOutput = output

	if !passed {
		ids := featureIDs(newly)
		sp.Revert(ids)
		if err := p.Sprint.Save(sp); err != nil {
			return rep, fmt.Errorf("revert sprint after test failure: %w", err)
		}
		critique := "test gate failed:\n" + truncate(output, maxCritiqueLen)
		if err := p.Memory.AttachCritique(mem, critique, memory.OutcomeFailure); err != nil {
			return rep, fmt.Errorf("attach test critique: %w", err)
		}
		p.Log.Warn("test gate failed, claims reverted", zap.Strings("features", ids))
		return rep, nil
	}

	var reverted []string
	var critiques []string
	for _, f := range newly {
		verdict := p.review(ctx, f, commits, files)
		if verdict.Approved {
			rep.Approved = append(rep.Approved, f.ID)
			continue
		}

		rep.Rejected = append(rep.Rejected, f.ID)
		reverted = append(reverted, f.ID)
		critiques = append(critiques, fmt.Sprintf("%s: %s", f.Description, verdict.Critique))

		section := fmt.Sprintf("## Review: %s\n\n%s", f.Description, verdict.Critique)
		for _, s := range verdict.Suggestions {
			section += "\n- " + s
		}
		if err := p.Skills.Append(section); err != nil {
			p.Log.Warn("skillbook append failed", zap.Error(err))
		}
		p.Log.Info("review rejected feature",
			zap.String("feature", f.ID),
			zap.String("critique", truncate(verdict.Critique, 200)))
	}

	if len(reverted) > 0 {
		sp.Revert(reverted)
		if err := p.Sprint.Save(sp); err != nil {
			return rep, fmt.Errorf("revert sprint after review: %w", err)
		}
		// One combined critique per iteration: a second rejection must not
		// erase the first.
		if err := p.Memory.AttachCritique(mem, strings.Join(critiques, "\n\n"), memory.OutcomePartial); err != nil {
			return rep, fmt.Errorf("attach review critique: %w", err)
		}
	}

	return rep, nil
}

// runTests executes the test gate. Returns pass, combined output, and
// whether a test command existed at all. No detectable test command passes
// by default; an absent suite must not block the loop forever.
func (p *Pipeline) runTests(ctx context.Context) (bool, string, bool) {
	command := p.Config.TestCommand
	if command == "" {
		command = DetectTestCommand(p.Dir)
	}
	if command == "" {
		p.Log.Warn("no test command configured or detected, test gate passes by default")
		return true, "", false
	}

	testCtx := ctx
	var cancel context.CancelFunc
	if p.Config.TestTimeout > 0 {
		testCtx, cancel = context.WithTimeout(ctx, p.Config.TestTimeout)
		defer cancel()
	}

	p.Log.Info("running test gate", zap.String("command", command))
	cmd := exec.CommandContext(testCtx, "sh", "-c", command)
	cmd.Dir = p.Dir
	out, err := cmd.CombinedOutput()
	output := sanitize.Text(string(out))

	if err != nil {
		return false, output, true
	}
	return true, output, true
}

func featureIDs(features []backlog.Feature) []string {
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	return ids
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
