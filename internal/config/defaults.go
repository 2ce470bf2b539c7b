package config

func applyDefaults(cfg *Config) {
	if cfg.Project.Dir == "" {
		cfg.Project.Dir = "."
	}
	if cfg.Project.SprintFile == "" {
		cfg.Project.SprintFile = "sprint.json"
	}
	if cfg.Project.MemoryFile == "" {
		cfg.Project.MemoryFile = ".autopilot/memory.json"
	}
	if cfg.Project.StateFile == "" {
		cfg.Project.StateFile = ".autopilot/run.json"
	}
	if cfg.Project.SkillbookFile == "" {
		cfg.Project.SkillbookFile = ".autopilot/skillbook.md"
	}
	if cfg.Limits.MaxIterations == 0 {
		cfg.Limits.MaxIterations = 10
	}
	if cfg.Limits.StallThreshold == 0 {
		cfg.Limits.StallThreshold = 3
	}
	if cfg.Limits.TimeoutSeconds == 0 {
		cfg.Limits.TimeoutSeconds = 1800
	}
	if cfg.Limits.MaxRetries == 0 {
		cfg.Limits.MaxRetries = 3
	}
	if cfg.Limits.RetryBaseSeconds == 0 {
		cfg.Limits.RetryBaseSeconds = 5
	}
	if cfg.Limits.DelaySeconds == 0 {
		cfg.Limits.DelaySeconds = 2
	}
	if cfg.Models.Agent == "" {
		cfg.Models.Agent = "sonnet"
	}
	if cfg.Models.Reviewer == "" {
		cfg.Models.Reviewer = cfg.Models.Agent
	}
	if cfg.Gate.TestTimeoutSeconds == 0 {
		cfg.Gate.TestTimeoutSeconds = 600
	}
	if cfg.Gate.ReviewTimeoutSeconds == 0 {
		cfg.Gate.ReviewTimeoutSeconds = 300
	}
	if cfg.Gate.ReviewCeilingUSD == 0 {
		cfg.Gate.ReviewCeilingUSD = 1.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}
