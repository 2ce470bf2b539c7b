// Package orchestrator runs the iteration loop: snapshot, prompt, engine
// invocation, progress classification, quality gate, memory update,
// persistence, stop-condition checks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kylegalloway/autopilot/internal/backlog"
	"github.com/kylegalloway/autopilot/internal/engine"
	"github.com/kylegalloway/autopilot/internal/gate"
	"github.com/kylegalloway/autopilot/internal/memory"
	"github.com/kylegalloway/autopilot/internal/prompt"
	"github.com/kylegalloway/autopilot/internal/state"
	"github.com/kylegalloway/autopilot/internal/ui"
)

var (
	// ErrStalled means the stall threshold was reached.
	ErrStalled = errors.New("run stalled")
	// ErrInterrupted means the run was stopped by an interrupt signal.
	ErrInterrupted = errors.New("run interrupted")
)

// recentCommitCount is how many commit summaries feed the prompt.
const recentCommitCount = 5

// maxApproachLen bounds the approach summary stored per memory entry.
const maxApproachLen = 200

// Tracker observes the working repository. Implemented by internal/vcs;
// a failing tracker degrades to zero values and never stops the run.
type Tracker interface {
	CommitCount() int
	RecentSummaries(n int) []string
	DiffPaths() []string
}

// Options are the loop's knobs, resolved from config and CLI flags.
type Options struct {
	Version        string
	Dir            string
	MaxIterations  int
	StallThreshold int
	Timeout        time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	Delay          time.Duration
	CostCeilingUSD float64
	Model          string
	Resume         bool
	Fresh          bool
	DryRun         bool
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Engine   engine.Engine
	Sprint   *backlog.Store
	Memory   *memory.Store
	Skills   *memory.Skillbook
	State    *state.Manager
	Gate     *gate.Pipeline
	Tracker  Tracker
	Reporter *ui.Reporter
	Log      *zap.Logger
}

// Orchestrator owns all mutable run state explicitly, so the interrupt
// handler is a method over this instance rather than a set of globals.
type Orchestrator struct {
	opts Options
	deps Deps

	mu          sync.Mutex
	cancel      context.CancelFunc
	run         *state.RunState
	interrupted bool
}

// New creates an Orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Reporter == nil {
		deps.Reporter = ui.NewReporter(nil)
	}
	return &Orchestrator{opts: opts, deps: deps}
}

// Interrupt aborts the in-flight engine call, marks the running session as
// errored, persists the run state as interrupted, and lets Run return
// ErrInterrupted. Safe to call at any point, including mid-backoff, and
// idempotent.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.interrupted {
		return
	}
	o.interrupted = true
	if o.cancel != nil {
		o.cancel()
	}
	if o.run == nil {
		return
	}
	if n := len(o.run.Sessions); n > 0 && o.run.Sessions[n-1].Status == state.SessionRunning {
		o.run.Sessions[n-1].Status = state.SessionError
		o.run.Sessions[n-1].EndTime = time.Now()
	}
	o.run.Status = state.RunInterrupted
	if err := o.deps.State.Save(o.run); err != nil {
		o.deps.Log.Error("persist interrupted state", zap.Error(err))
	}
}

func (o *Orchestrator) isInterrupted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interrupted
}

// Run executes the loop until a stop condition is met. A missing sprint
// file or a failed state write is fatal; everything else degrades.
func (o *Orchestrator) Run(ctx context.Context) error {
	sp, err := o.deps.Sprint.Load()
	if err != nil {
		return fmt.Errorf("load sprint: %w", err)
	}

	if o.opts.DryRun {
		o.deps.Reporter.Banner(o.opts.Version, sp.Initiative, o.opts.MaxIterations)
		return o.dryRun(sp, o.deps.Memory.Peek(sp.Initiative, o.deps.Sprint.Path()))
	}

	rs, mem, err := o.openRun(sp.Initiative)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.run = rs
	o.mu.Unlock()

	o.deps.Reporter.Banner(o.opts.Version, sp.Initiative, o.opts.MaxIterations)

	started := time.Now()
	for {
		if o.isInterrupted() {
			o.summarize(rs, started)
			return ErrInterrupted
		}

		feature := sp.Current()
		if feature == nil {
			return o.finishRun(sp, rs, started)
		}

		if err := o.iterate(runCtx, sp, rs, mem, *feature); err != nil {
			if o.isInterrupted() {
				o.summarize(rs, started)
				return ErrInterrupted
			}
			return err
		}

		// An interrupt during the iteration wins over every other stop
		// condition; its status and session record are already persisted.
		if o.isInterrupted() {
			o.summarize(rs, started)
			return ErrInterrupted
		}

		// Stop conditions, in order: stalled, completed, budget.
		o.mu.Lock()
		stalled := rs.StallCount >= o.opts.StallThreshold
		budgetSpent := rs.Iterations >= o.opts.MaxIterations
		o.mu.Unlock()

		if stalled {
			final, err := o.closeRun(rs, state.RunStalled)
			if err != nil {
				return fmt.Errorf("persist stalled state: %w", err)
			}
			o.summarize(rs, started)
			if final == state.RunInterrupted {
				return ErrInterrupted
			}
			return ErrStalled
		}
		if sp.Completed() {
			return o.finishRun(sp, rs, started)
		}
		if budgetSpent {
			o.summarize(rs, started)
			return nil
		}

		select {
		case <-runCtx.Done():
		case <-time.After(o.opts.Delay):
		}
	}
}

// closeRun records a terminal status and persists, unless an interrupt got
// there first; the interrupt's persisted status is never overwritten. The
// final status is returned either way.
func (o *Orchestrator) closeRun(rs *state.RunState, status string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.interrupted {
		return state.RunInterrupted, nil
	}
	rs.Status = status
	return status, o.deps.State.Save(rs)
}

// iterate runs one full iteration: invoke, classify, gate, remember,
// persist.
func (o *Orchestrator) iterate(ctx context.Context, sp *backlog.Sprint, rs *state.RunState, mem *memory.Memory, feature backlog.Feature) error {
	iter := rs.Iterations + 1
	o.deps.Reporter.Iteration(iter, o.opts.MaxIterations, feature.Description)

	before := sp.Incomplete()
	startCommits := o.deps.Tracker.CommitCount()

	analysis := memory.Analyze(mem)
	for _, w := range analysis.Warnings {
		o.deps.Reporter.Warn(w)
	}

	text := prompt.Compose(prompt.Input{
		Iteration: iter,
		Feature:   feature,
		Sprint:    o.deps.Sprint.Path(),
		Analysis:  analysis,
		Memory:    mem,
		Commits:   o.deps.Tracker.RecentSummaries(recentCommitCount),
		Skillbook: o.deps.Skills.Load(),
	})

	o.mu.Lock()
	rs.Sessions = append(rs.Sessions, state.SessionLog{
		ID:           uuid.NewString(),
		Iteration:    iter,
		StartTime:    time.Now(),
		StartCommits: startCommits,
		Status:       state.SessionRunning,
	})
	cur := len(rs.Sessions) - 1
	o.mu.Unlock()
	if err := o.saveState(rs); err != nil {
		return fmt.Errorf("persist session start: %w", err)
	}

	res, retries, invokeErr := o.invokeWithRetry(ctx, engine.Request{
		Prompt:         text,
		Model:          o.opts.Model,
		Timeout:        o.opts.Timeout,
		CostCeilingUSD: o.opts.CostCeilingUSD,
		Resume:         rs.SessionID,
		Dir:            o.opts.Dir,
	})
	if invokeErr != nil && o.isInterrupted() {
		// Interrupt already finalized the session and persisted.
		return nil
	}
	if invokeErr != nil {
		o.deps.Reporter.Error("engine invocation failed: " + invokeErr.Error())
		o.deps.Log.Warn("engine invocation failed", zap.Int("retries", retries), zap.Error(invokeErr))
	}

	endCommits := o.deps.Tracker.CommitCount()
	commitsMade := endCommits - startCommits
	files := o.deps.Tracker.DiffPaths()
	prog := Classify(commitsMade, len(files))

	o.mu.Lock()
	sess := &rs.Sessions[cur]
	sess.EndCommits = endCommits
	sess.CommitsMade = commitsMade
	sess.FilesChanged = len(files)
	sess.ExitStatus = res.ExitStatus
	sess.TimedOut = res.TimedOut
	sess.Retries = retries
	sess.CostUSD = res.CostUSD
	sess.InputTokens = res.InputTokens
	sess.OutputTokens = res.OutputTokens
	// An interrupt may have already closed this session as an error; that
	// record stands.
	if sess.Status == state.SessionRunning {
		sess.EndTime = time.Now()
		sess.Status = sessionStatus(res, invokeErr, prog)
	}

	rs.Iterations = iter
	rs.TotalCommits += commitsMade
	stallCount := NextStall(prog, rs.StallCount)
	rs.StallCount = stallCount
	rs.TotalCostUSD += res.CostUSD
	rs.TotalDuration += sess.EndTime.Sub(sess.StartTime).Seconds()
	if res.SessionID != "" {
		rs.SessionID = res.SessionID
	}
	o.mu.Unlock()

	o.deps.Log.Info("iteration finished",
		zap.Int("iteration", iter),
		zap.String("progress", prog.String()),
		zap.Int("commits", commitsMade),
		zap.Int("files_changed", len(files)),
		zap.Int("stall_count", stallCount),
		zap.Float64("cost_usd", res.CostUSD))

	// An interrupt landed mid-iteration: persist the accounting and stop
	// here. The gate must not fail-open on a canceled context.
	if o.isInterrupted() {
		if err := o.saveState(rs); err != nil {
			return fmt.Errorf("persist run state: %w", err)
		}
		return nil
	}

	// Re-read the sprint to observe the agent's edits. A read failure here
	// is infrastructure, not fatal: keep the pre-iteration view.
	if updated, err := o.deps.Sprint.Load(); err != nil {
		o.deps.Log.Warn("sprint reload failed, keeping previous view", zap.Error(err))
	} else {
		*sp = *updated
	}
	newly := sp.NewlyPassed(before)

	learnings, failures := memory.ExtractNotes(res.Text)
	entry := memory.Entry{
		Iteration: iter,
		Timestamp: time.Now(),
		Feature:   feature.Description,
		Approach:  approachSummary(res.Text),
		Outcome:   deriveOutcome(len(newly), prog),
		Commits:   commitsMade,
		Learnings: learnings,
		Failures:  failures,
	}
	if err := o.deps.Memory.Append(mem, entry); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}

	if len(newly) > 0 {
		rep, err := o.deps.Gate.Run(ctx, sp, mem, newly,
			o.deps.Tracker.RecentSummaries(recentCommitCount), files)
		if err != nil {
			return fmt.Errorf("quality gate: %w", err)
		}
		o.reportGate(rep)
	} else if prog == ProgressNone {
		o.deps.Reporter.Warn(fmt.Sprintf("no progress this iteration (%d/%d toward stall)",
			stallCount, o.opts.StallThreshold))
	}

	if err := o.saveState(rs); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	return nil
}

// saveState persists rs under the orchestrator lock, so a concurrent
// interrupt never mutates the record mid-marshal.
func (o *Orchestrator) saveState(rs *state.RunState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deps.State.Save(rs)
}

// invokeWithRetry calls the engine, retrying failed invocations and
// non-zero exits up to MaxRetries with a doubling backoff. A timeout is
// terminal for the iteration and never retried. The backoff wait aborts
// on context cancellation.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, req engine.Request) (engine.Result, int, error) {
	backoff := o.opts.RetryBase
	for attempt := 0; ; attempt++ {
		res, err := o.deps.Engine.Invoke(ctx, req)
		if err == nil {
			if res.TimedOut || res.ExitStatus == 0 {
				return res, attempt, nil
			}
			if attempt >= o.opts.MaxRetries {
				return res, attempt, nil
			}
			o.deps.Log.Warn("engine exited non-zero, retrying",
				zap.Int("exit_status", res.ExitStatus),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
		} else {
			if ctx.Err() != nil {
				return engine.Result{}, attempt, fmt.Errorf("invoke: %w", ctx.Err())
			}
			if attempt >= o.opts.MaxRetries {
				return engine.Result{}, attempt, fmt.Errorf("invoke after %d retries: %w", attempt, err)
			}
			o.deps.Log.Warn("engine invocation failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return engine.Result{}, attempt, fmt.Errorf("invoke: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// openRun resolves the run state and memory for this invocation: fresh
// discards both, resume continues an interrupted run, anything else starts
// over.
func (o *Orchestrator) openRun(initiative string) (*state.RunState, *memory.Memory, error) {
	var rs *state.RunState
	if !o.opts.Fresh {
		prev, err := o.deps.State.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load run state: %w", err)
		}
		if prev != nil && o.opts.Resume && prev.Status == state.RunInterrupted && prev.Initiative == initiative {
			prev.Status = state.RunRunning
			rs = prev
			o.deps.Log.Info("resuming interrupted run",
				zap.Int("iterations", prev.Iterations),
				zap.Int("stall_count", prev.StallCount),
				zap.String("session_id", prev.SessionID))
		} else if prev != nil && prev.Status == state.RunInterrupted {
			o.deps.Log.Info("previous run was interrupted, starting over (use --resume to continue)")
		}
	}
	if rs == nil {
		rs = state.NewRunState(initiative)
	}

	var mem *memory.Memory
	var err error
	if o.opts.Fresh {
		mem, err = o.deps.Memory.Fresh(initiative, o.deps.Sprint.Path())
	} else {
		mem, err = o.deps.Memory.Load(initiative, o.deps.Sprint.Path())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open memory: %w", err)
	}
	return rs, mem, nil
}

// dryRun prints the prompt the first iteration would send and stops.
// Nothing is invoked and no state is persisted.
func (o *Orchestrator) dryRun(sp *backlog.Sprint, mem *memory.Memory) error {
	feature := sp.Current()
	if feature == nil {
		o.deps.Reporter.Success("sprint already complete, nothing to do")
		return nil
	}
	text := prompt.Compose(prompt.Input{
		Iteration: 1,
		Feature:   *feature,
		Sprint:    o.deps.Sprint.Path(),
		Analysis:  memory.Analyze(mem),
		Memory:    mem,
		Commits:   o.deps.Tracker.RecentSummaries(recentCommitCount),
		Skillbook: o.deps.Skills.Load(),
	})
	o.deps.Reporter.Info(text)
	return nil
}

// finishRun closes a run whose backlog is complete. An interrupt that beat
// it to the status wins and ErrInterrupted is returned instead of success.
func (o *Orchestrator) finishRun(sp *backlog.Sprint, rs *state.RunState, started time.Time) error {
	sp.Status = backlog.StatusCompleted
	if err := o.deps.Sprint.Save(sp); err != nil {
		o.deps.Log.Warn("persist completed sprint", zap.Error(err))
	}
	final, err := o.closeRun(rs, state.RunCompleted)
	if err != nil {
		o.deps.Log.Warn("persist completed state", zap.Error(err))
	}
	o.summarize(rs, started)
	if final == state.RunInterrupted {
		return ErrInterrupted
	}
	return nil
}

func (o *Orchestrator) summarize(rs *state.RunState, started time.Time) {
	o.mu.Lock()
	s := ui.Summary{
		Status:       rs.Status,
		Iterations:   rs.Iterations,
		TotalCommits: rs.TotalCommits,
		StallCount:   rs.StallCount,
		CostUSD:      rs.TotalCostUSD,
		Duration:     time.Since(started),
	}
	o.mu.Unlock()
	o.deps.Reporter.Summarize(s)
}

func (o *Orchestrator) reportGate(rep gate.Report) {
	if rep.TestsRan && !rep.TestsPassed {
		o.deps.Reporter.Error("test gate failed, completion claims reverted")
		return
	}
	for _, id := range rep.Approved {
		o.deps.Reporter.Success("review approved " + id)
	}
	for _, id := range rep.Rejected {
		o.deps.Reporter.Warn("review rejected " + id)
	}
}

// sessionStatus classifies a finished session for its log record.
func sessionStatus(res engine.Result, invokeErr error, prog Progress) string {
	switch {
	case res.TimedOut:
		return state.SessionTimeout
	case invokeErr != nil || res.ExitStatus != 0:
		return state.SessionError
	case prog == ProgressNone:
		return state.SessionStalled
	default:
		return state.SessionCompleted
	}
}

// deriveOutcome classifies an iteration for its memory entry: a verified
// completion claim is success, any forward motion is partial, the rest is
// failure. The gate may later downgrade this on the entry itself.
func deriveOutcome(newlyPassed int, prog Progress) string {
	switch {
	case newlyPassed > 0:
		return memory.OutcomeSuccess
	case prog != ProgressNone:
		return memory.OutcomePartial
	default:
		return memory.OutcomeFailure
	}
}

// approachSummary condenses the engine's final text into the one-line
// approach stored in memory.
func approachSummary(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxApproachLen {
			return line[:maxApproachLen]
		}
		return line
	}
	return "(no output)"
}
