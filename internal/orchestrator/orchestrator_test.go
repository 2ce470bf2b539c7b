package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kylegalloway/autopilot/internal/backlog"
	"github.com/kylegalloway/autopilot/internal/engine"
	"github.com/kylegalloway/autopilot/internal/gate"
	"github.com/kylegalloway/autopilot/internal/memory"
	"github.com/kylegalloway/autopilot/internal/state"
	"github.com/kylegalloway/autopilot/internal/ui"
)

type fakeEngine struct {
	invoke func(req engine.Request) (engine.Result, error)
	calls  []engine.Request
}

func (f *fakeEngine) Invoke(_ context.Context, req engine.Request) (engine.Result, error) {
	f.calls = append(f.calls, req)
	if f.invoke == nil {
		return engine.Result{}, nil
	}
	return f.invoke(req)
}

// blockingEngine parks until its context is canceled, for interrupt tests.
type blockingEngine struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingEngine) Invoke(ctx context.Context, _ engine.Request) (engine.Result, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return engine.Result{}, ctx.Err()
}

type fakeTracker struct {
	commits int
	files   []string
}

func (t *fakeTracker) CommitCount() int               { return t.commits }
func (t *fakeTracker) RecentSummaries(_ int) []string { return nil }
func (t *fakeTracker) DiffPaths() []string            { return t.files }

type harness struct {
	dir     string
	opts    Options
	engine  *fakeEngine
	tracker *fakeTracker
	sprint  *backlog.Store
	memory  *memory.Store
	state   *state.Manager
	skills  *memory.Skillbook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	h := &harness{
		dir:     dir,
		engine:  &fakeEngine{},
		tracker: &fakeTracker{},
		sprint:  backlog.NewStore(filepath.Join(dir, "sprint.json")),
		memory:  memory.NewStore(filepath.Join(dir, "memory.json"), nil),
		state:   state.NewManager(filepath.Join(dir, "run.json"), nil),
		skills:  memory.NewSkillbook(filepath.Join(dir, "skillbook.md")),
		opts: Options{
			Version:        "test",
			Dir:            dir,
			MaxIterations:  5,
			StallThreshold: 3,
			Timeout:        time.Second,
			MaxRetries:     2,
			RetryBase:      time.Millisecond,
		},
	}

	require.NoError(t, h.sprint.Save(&backlog.Sprint{
		Initiative: "alpha",
		Status:     backlog.StatusInProgress,
		Features: []backlog.Feature{
			{ID: "f-a", Description: "feature a"},
			{ID: "f-b", Description: "feature b"},
		},
	}))
	return h
}

func (h *harness) orchestrator(eng engine.Engine) *Orchestrator {
	pipeline := &gate.Pipeline{
		Sprint: h.sprint,
		Memory: h.memory,
		Skills: h.skills,
		Config: gate.Config{
			TestCommand:   "true",
			TestTimeout:   5 * time.Second,
			ReviewTimeout: time.Second,
		},
		Dir: h.dir,
		Log: zap.NewNop(),
	}
	pipeline.Engine = &fakeEngine{invoke: func(engine.Request) (engine.Result, error) {
		return engine.Result{Text: `{"approved": true, "critique": "fine"}`}, nil
	}}
	return New(h.opts, Deps{
		Engine:   eng,
		Sprint:   h.sprint,
		Memory:   h.memory,
		Skills:   h.skills,
		State:    h.state,
		Gate:     pipeline,
		Tracker:  h.tracker,
		Reporter: ui.NewReporter(io.Discard),
		Log:      zap.NewNop(),
	})
}

func (h *harness) run(t *testing.T, eng engine.Engine) error {
	t.Helper()
	return h.orchestrator(eng).Run(context.Background())
}

func TestRunSingleIterationWithVerifiedCompletion(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxIterations = 1
	h.engine.invoke = func(engine.Request) (engine.Result, error) {
		sp, err := h.sprint.Load()
		require.NoError(t, err)
		sp.Features[0].Passes = true
		require.NoError(t, h.sprint.Save(sp))
		h.tracker.commits++
		return engine.Result{
			SessionID: "ses-1",
			CostUSD:   0.5,
			Text:      "Implemented feature a\nLEARNING: keep handlers small",
		}, nil
	}

	require.NoError(t, h.run(t, h.engine))

	sp, err := h.sprint.Load()
	require.NoError(t, err)
	assert.True(t, sp.Features[0].Passes, "approved claim stands")
	assert.False(t, sp.Features[1].Passes)

	rs, err := h.state.Load()
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, 1, rs.Iterations)
	assert.Equal(t, 1, rs.TotalCommits)
	assert.Equal(t, 0, rs.StallCount)
	assert.Equal(t, "ses-1", rs.SessionID)
	assert.InDelta(t, 0.5, rs.TotalCostUSD, 1e-9)
	assert.Equal(t, state.SessionCompleted, rs.Sessions[0].Status)

	mem, err := h.memory.Load("alpha", h.sprint.Path())
	require.NoError(t, err)
	require.Len(t, mem.Entries, 1)
	assert.Equal(t, memory.OutcomeSuccess, mem.Entries[0].Outcome)
	assert.Equal(t, []string{"keep handlers small"}, mem.Entries[0].Learnings)
}

func TestRunCompletesWhenAllFeaturesPass(t *testing.T) {
	h := newHarness(t)
	h.engine.invoke = func(engine.Request) (engine.Result, error) {
		sp, err := h.sprint.Load()
		require.NoError(t, err)
		for i := range sp.Features {
			if !sp.Features[i].Passes {
				sp.Features[i].Passes = true
				break
			}
		}
		require.NoError(t, h.sprint.Save(sp))
		h.tracker.commits++
		return engine.Result{Text: "done"}, nil
	}

	require.NoError(t, h.run(t, h.engine))

	sp, err := h.sprint.Load()
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusCompleted, sp.Status)

	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, rs.Status)
	assert.Equal(t, 2, rs.Iterations, "one iteration per feature")
}

func TestStallThresholdStopsTheRun(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxIterations = 10
	h.opts.StallThreshold = 3

	err := h.run(t, h.engine) // engine does nothing, tracker never moves
	require.ErrorIs(t, err, ErrStalled)

	rs, loadErr := h.state.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.RunStalled, rs.Status)
	assert.Equal(t, 3, rs.Iterations, "stops at the threshold despite budget remaining")
	assert.Equal(t, 3, rs.StallCount)

	sum := 0
	for _, s := range rs.Sessions {
		sum += s.CommitsMade
		assert.Equal(t, state.SessionStalled, s.Status)
	}
	assert.Equal(t, rs.TotalCommits, sum)
}

func TestSoftProgressDoesNotTouchStallCounter(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxIterations = 2
	h.tracker.files = []string{"wip.go"}

	require.NoError(t, h.run(t, h.engine))

	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Iterations, "soft progress never stalls the run")
	assert.Equal(t, 0, rs.StallCount)

	mem, err := h.memory.Load("alpha", h.sprint.Path())
	require.NoError(t, err)
	for _, e := range mem.Entries {
		assert.Equal(t, memory.OutcomePartial, e.Outcome)
	}
}

func TestTimeoutIsNeverRetried(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxIterations = 1
	h.opts.MaxRetries = 3
	h.engine.invoke = func(engine.Request) (engine.Result, error) {
		return engine.Result{TimedOut: true, ExitStatus: -1}, nil
	}

	require.NoError(t, h.run(t, h.engine))

	assert.Len(t, h.engine.calls, 1, "a timed-out invocation is terminal")

	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Equal(t, state.SessionTimeout, rs.Sessions[0].Status)
	assert.Equal(t, 1, rs.StallCount, "timeout counts toward stall through normal classification")
}

func TestInvocationErrorsRetryWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxIterations = 1
	attempts := 0
	h.engine.invoke = func(engine.Request) (engine.Result, error) {
		attempts++
		if attempts < 3 {
			return engine.Result{}, errors.New("spawn failed")
		}
		h.tracker.commits++
		return engine.Result{Text: "recovered"}, nil
	}

	require.NoError(t, h.run(t, h.engine))

	assert.Equal(t, 3, attempts)
	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Sessions[0].Retries)
	assert.Equal(t, 1, rs.TotalCommits)
}

func TestExhaustedRetriesConcludeTheIteration(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxIterations = 1
	h.opts.MaxRetries = 1
	h.engine.invoke = func(engine.Request) (engine.Result, error) {
		return engine.Result{}, errors.New("spawn failed")
	}

	require.NoError(t, h.run(t, h.engine), "infrastructure failure is not fatal to the run")

	assert.Len(t, h.engine.calls, 2)
	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Equal(t, state.SessionError, rs.Sessions[0].Status)
	assert.Equal(t, 1, rs.StallCount)
}

func TestInterruptPersistsAndStops(t *testing.T) {
	h := newHarness(t)
	eng := &blockingEngine{started: make(chan struct{})}
	o := h.orchestrator(eng)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background()) }()

	<-eng.started
	o.Interrupt()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after interrupt")
	}

	rs, err := h.state.Load()
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, state.RunInterrupted, rs.Status)
	require.NotEmpty(t, rs.Sessions)
	last := rs.Sessions[len(rs.Sessions)-1]
	assert.Equal(t, state.SessionError, last.Status)
	assert.False(t, last.EndTime.IsZero(), "interrupted session gets an end timestamp")
}

func TestInterruptDuringIterationBeatsStall(t *testing.T) {
	h := newHarness(t)
	h.opts.StallThreshold = 1
	h.opts.MaxIterations = 10

	o := h.orchestrator(h.engine)
	h.engine.invoke = func(engine.Request) (engine.Result, error) {
		// Interrupt lands while the engine call is still in flight; the
		// stall check afterwards must not overwrite its status.
		o.Interrupt()
		return engine.Result{}, nil
	}

	err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrInterrupted)

	rs, loadErr := h.state.Load()
	require.NoError(t, loadErr)
	require.NotNil(t, rs)
	assert.Equal(t, state.RunInterrupted, rs.Status, "stall must not win over the interrupt")
	assert.Equal(t, 1, rs.Iterations)

	require.Len(t, rs.Sessions, 1)
	assert.Equal(t, state.SessionError, rs.Sessions[0].Status)
	assert.False(t, rs.Sessions[0].EndTime.IsZero())
}

func TestResumeContinuesFromInterruptedState(t *testing.T) {
	h := newHarness(t)
	prior := state.NewRunState("alpha")
	prior.Iterations = 2
	prior.StallCount = 1
	prior.SessionID = "ses-abc"
	prior.Status = state.RunInterrupted
	require.NoError(t, h.state.Save(prior))

	h.opts.Resume = true
	h.opts.MaxIterations = 3
	h.tracker.files = []string{"wip.go"} // soft progress, no stall movement

	require.NoError(t, h.run(t, h.engine))

	require.NotEmpty(t, h.engine.calls)
	assert.Equal(t, "ses-abc", h.engine.calls[0].Resume, "prior engine session is reused")

	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Iterations, "iteration count continues, not restarts")
	assert.Equal(t, 1, rs.StallCount)
}

func TestMissingSprintIsFatal(t *testing.T) {
	h := newHarness(t)
	h.sprint = backlog.NewStore(filepath.Join(h.dir, "absent.json"))

	err := h.run(t, h.engine)
	require.ErrorIs(t, err, backlog.ErrMissing)
}

func TestDryRunTouchesNothing(t *testing.T) {
	h := newHarness(t)
	h.opts.DryRun = true

	// A memory file from another initiative would normally be archived on
	// load; a dry run must leave it exactly as found.
	memPath := filepath.Join(h.dir, "memory.json")
	stale := []byte(`{"initiative":"other","sprint_file":"old.json","entries":[]}`)
	require.NoError(t, os.WriteFile(memPath, stale, 0o644))

	require.NoError(t, h.run(t, h.engine))

	assert.Empty(t, h.engine.calls, "dry run never invokes the engine")
	rs, err := h.state.Load()
	require.NoError(t, err)
	assert.Nil(t, rs, "dry run persists no run state")

	matches, err := filepath.Glob(memPath + ".*.bak")
	require.NoError(t, err)
	assert.Empty(t, matches, "dry run never archives memory")
	data, err := os.ReadFile(memPath)
	require.NoError(t, err)
	assert.Equal(t, stale, data)
}
