// Package main implements the autopilot CLI: an unattended loop that
// drives a coding agent through a sprint backlog until it completes,
// stalls, runs out of iterations, or is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kylegalloway/autopilot/internal/backlog"
	"github.com/kylegalloway/autopilot/internal/config"
	"github.com/kylegalloway/autopilot/internal/engine"
	"github.com/kylegalloway/autopilot/internal/gate"
	"github.com/kylegalloway/autopilot/internal/logging"
	"github.com/kylegalloway/autopilot/internal/memory"
	"github.com/kylegalloway/autopilot/internal/orchestrator"
	"github.com/kylegalloway/autopilot/internal/state"
	"github.com/kylegalloway/autopilot/internal/ui"
	"github.com/kylegalloway/autopilot/internal/vcs"
)

// Version information (set via ldflags during build)
var version = "dev"

const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 130
)

var flags struct {
	configPath     string
	dir            string
	maxIterations  int
	stallThreshold int
	timeoutSecs    int
	maxRetries     int
	costCeiling    float64
	model          string
	resume         bool
	fresh          bool
	dryRun         bool
}

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Unattended coding-agent supervisor",
	Long: `autopilot drives a coding agent through a sprint backlog, one feature
per iteration, verifying every completion claim with a test gate and an
independent review. State survives interruption; rerun with --resume to
continue where an interrupted run left off.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autopilot %s\n", version)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.configPath, "config", "autopilot.yaml", "path to the config file")
	f.StringVar(&flags.dir, "dir", "", "working directory of the target project")
	f.IntVar(&flags.maxIterations, "max-iterations", 0, "iteration budget")
	f.IntVar(&flags.stallThreshold, "stall-threshold", 0, "consecutive no-progress iterations before the run stalls")
	f.IntVar(&flags.timeoutSecs, "timeout", 0, "per-iteration timeout in seconds")
	f.IntVar(&flags.maxRetries, "max-retries", 0, "retries per failed engine invocation")
	f.Float64Var(&flags.costCeiling, "cost-ceiling", 0, "per-iteration cost ceiling in USD")
	f.StringVar(&flags.model, "model", "", "engine model for main iterations")
	f.BoolVar(&flags.resume, "resume", false, "continue an interrupted run")
	f.BoolVar(&flags.fresh, "fresh", false, "discard prior run state and memory")
	f.BoolVar(&flags.dryRun, "dry-run", false, "print the first iteration's prompt and exit")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, orchestrator.ErrInterrupted):
		os.Exit(exitInterrupted)
	default:
		fmt.Fprintf(os.Stderr, "autopilot: %v\n", err)
		os.Exit(exitFailed)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	dir := cfg.Project.Dir
	reporter := ui.NewReporter(nil)

	o := orchestrator.New(orchestrator.Options{
		Version:        version,
		Dir:            dir,
		MaxIterations:  cfg.Limits.MaxIterations,
		StallThreshold: cfg.Limits.StallThreshold,
		Timeout:        cfg.Limits.Timeout(),
		MaxRetries:     cfg.Limits.MaxRetries,
		RetryBase:      cfg.Limits.RetryBase(),
		Delay:          cfg.Limits.Delay(),
		CostCeilingUSD: cfg.Limits.CostCeilingUSD,
		Model:          cfg.Models.Agent,
		Resume:         flags.resume,
		Fresh:          flags.fresh,
		DryRun:         flags.dryRun,
	}, buildDeps(cfg, dir, reporter, log))

	// SIGINT/SIGTERM abort the in-flight engine call and persist the run
	// as interrupted. A second signal kills the process the hard way.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		reporter.Warn("interrupt received, stopping after state is saved")
		o.Interrupt()
		<-sigCh
		os.Exit(exitInterrupted)
	}()

	err = o.Run(context.Background())
	if errors.Is(err, backlog.ErrMissing) {
		return fmt.Errorf("no sprint file at %s, create one before starting a run", filepath.Join(dir, cfg.Project.SprintFile))
	}
	return err
}

// buildDeps wires the orchestrator's collaborators around the project dir.
func buildDeps(cfg *config.Config, dir string, reporter *ui.Reporter, log *zap.Logger) orchestrator.Deps {
	sprintStore := backlog.NewStore(filepath.Join(dir, cfg.Project.SprintFile))
	memStore := memory.NewStore(filepath.Join(dir, cfg.Project.MemoryFile), log.Named("memory"))
	skills := memory.NewSkillbook(filepath.Join(dir, cfg.Project.SkillbookFile))
	eng := engine.NewClaude(reporter.Dim, log.Named("engine"))

	return orchestrator.Deps{
		Engine: eng,
		Sprint: sprintStore,
		Memory: memStore,
		Skills: skills,
		State:  state.NewManager(filepath.Join(dir, cfg.Project.StateFile), log.Named("state")),
		Gate: &gate.Pipeline{
			Engine: eng,
			Sprint: sprintStore,
			Memory: memStore,
			Skills: skills,
			Config: gate.Config{
				TestCommand:      cfg.Gate.TestCommand,
				TestTimeout:      cfg.Gate.TestTimeout(),
				ReviewTimeout:    cfg.Gate.ReviewTimeout(),
				ReviewCeilingUSD: cfg.Gate.ReviewCeilingUSD,
				ReviewModel:      cfg.Models.Reviewer,
			},
			Dir: dir,
			Log: log.Named("gate"),
		},
		Tracker:  vcs.Open(dir, log.Named("vcs")),
		Reporter: reporter,
		Log:      log.Named("orchestrator"),
	}
}

// applyFlagOverrides lays explicitly-set CLI flags over the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("dir") {
		cfg.Project.Dir = flags.dir
	}
	if set("max-iterations") {
		cfg.Limits.MaxIterations = flags.maxIterations
	}
	if set("stall-threshold") {
		cfg.Limits.StallThreshold = flags.stallThreshold
	}
	if set("timeout") {
		cfg.Limits.TimeoutSeconds = flags.timeoutSecs
	}
	if set("max-retries") {
		cfg.Limits.MaxRetries = flags.maxRetries
	}
	if set("cost-ceiling") {
		cfg.Limits.CostCeilingUSD = flags.costCeiling
	}
	if set("model") {
		cfg.Models.Agent = flags.model
	}
}
