package config

import (
	"fmt"
	"time"
)

// Config represents the full autopilot.yaml configuration.
type Config struct {
	Project ProjectConfig `koanf:"project"`
	Limits  LimitsConfig  `koanf:"limits"`
	Models  ModelsConfig  `koanf:"models"`
	Gate    GateConfig    `koanf:"gate"`
	Logging LoggingConfig `koanf:"logging"`
}

// ProjectConfig locates the working directory and the state documents inside it.
type ProjectConfig struct {
	Dir           string `koanf:"dir"`
	SprintFile    string `koanf:"sprint_file"`
	MemoryFile    string `koanf:"memory_file"`
	StateFile     string `koanf:"state_file"`
	SkillbookFile string `koanf:"skillbook_file"`
}

// LimitsConfig bounds the iteration loop.
type LimitsConfig struct {
	MaxIterations    int     `koanf:"max_iterations"`
	StallThreshold   int     `koanf:"stall_threshold"`
	TimeoutSeconds   int     `koanf:"timeout_seconds"`
	MaxRetries       int     `koanf:"max_retries"`
	RetryBaseSeconds int     `koanf:"retry_base_seconds"`
	DelaySeconds     int     `koanf:"delay_seconds"`
	CostCeilingUSD   float64 `koanf:"cost_ceiling_usd"`
}

// ModelsConfig selects the engine models for the two call sites.
type ModelsConfig struct {
	Agent    string `koanf:"agent"`
	Reviewer string `koanf:"reviewer"`
}

// GateConfig configures the quality gate pipeline.
type GateConfig struct {
	TestCommand          string  `koanf:"test_command"`
	TestTimeoutSeconds   int     `koanf:"test_timeout_seconds"`
	ReviewTimeoutSeconds int     `koanf:"review_timeout_seconds"`
	ReviewCeilingUSD     float64 `koanf:"review_ceiling_usd"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "console" or "json"
}

func (l *LimitsConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (l *LimitsConfig) RetryBase() time.Duration {
	return time.Duration(l.RetryBaseSeconds) * time.Second
}

func (l *LimitsConfig) Delay() time.Duration {
	return time.Duration(l.DelaySeconds) * time.Second
}

func (g *GateConfig) TestTimeout() time.Duration {
	return time.Duration(g.TestTimeoutSeconds) * time.Second
}

func (g *GateConfig) ReviewTimeout() time.Duration {
	return time.Duration(g.ReviewTimeoutSeconds) * time.Second
}

// Validate checks the configuration for values the loop cannot run with.
func (c *Config) Validate() error {
	if c.Limits.MaxIterations < 1 {
		return fmt.Errorf("limits.max_iterations must be >= 1, got %d", c.Limits.MaxIterations)
	}
	if c.Limits.StallThreshold < 1 {
		return fmt.Errorf("limits.stall_threshold must be >= 1, got %d", c.Limits.StallThreshold)
	}
	if c.Limits.TimeoutSeconds < 1 {
		return fmt.Errorf("limits.timeout_seconds must be >= 1, got %d", c.Limits.TimeoutSeconds)
	}
	if c.Limits.MaxRetries < 0 {
		return fmt.Errorf("limits.max_retries must be >= 0, got %d", c.Limits.MaxRetries)
	}
	if c.Gate.ReviewTimeoutSeconds >= c.Limits.TimeoutSeconds {
		return fmt.Errorf("gate.review_timeout_seconds (%d) must be below limits.timeout_seconds (%d)",
			c.Gate.ReviewTimeoutSeconds, c.Limits.TimeoutSeconds)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
