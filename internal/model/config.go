package model

import "time"

type Config struct {
	Project      ProjectConfig      `mapstructure:"project" yaml:"project"`
	Detector     DetectorConfig     `mapstructure:"detector" yaml:"detector"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Worker       WorkerConfig       `mapstructure:"worker" yaml:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	QualityGates QualityGatesConfig `mapstructure:"quality_gates" yaml:"quality_gates"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Daemon       DaemonConfig       `mapstructure:"daemon" yaml:"daemon"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Description string `mapstructure:"description" yaml:"description"`
}

type DetectorConfig struct {
	SpecDir         string   `mapstructure:"spec_dir" yaml:"spec_dir"`
	Patterns        []string `mapstructure:"patterns" yaml:"patterns"`
	ScanIntervalSec int      `mapstructure:"scan_interval_sec" yaml:"scan_interval_sec"`
	Watch           bool     `mapstructure:"watch" yaml:"watch"`
	DebounceMs      int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`

	// Policy is one of strict, whitespace, comments.
	Policy string `mapstructure:"policy" yaml:"policy"`
}

func (c DetectorConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

type QueueConfig struct {
	PriorityAgingSec     int            `mapstructure:"priority_aging_sec" yaml:"priority_aging_sec"`
	VisibilityTimeoutSec int            `mapstructure:"visibility_timeout_sec" yaml:"visibility_timeout_sec"`
	MaxDeliveries        int            `mapstructure:"max_deliveries" yaml:"max_deliveries"`
	SweepIntervalSec     int            `mapstructure:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	Concurrency          map[string]int `mapstructure:"concurrency" yaml:"concurrency"`
}

func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

func (c QueueConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// ConcurrencyFor returns the configured in-flight limit for a category,
// falling back to the category default.
func (c QueueConfig) ConcurrencyFor(cat Category) int {
	if n, ok := c.Concurrency[string(cat)]; ok && n > 0 {
		return n
	}
	return DefaultConcurrency(cat)
}

type WorkerConfig struct {
	// Generator is one of stub, http, command.
	Generator      string      `mapstructure:"generator" yaml:"generator"`
	Endpoint       string      `mapstructure:"endpoint" yaml:"endpoint"`
	Command        []string    `mapstructure:"command" yaml:"command"`
	CallTimeoutSec int         `mapstructure:"call_timeout_sec" yaml:"call_timeout_sec"`
	ArtifactDir    string      `mapstructure:"artifact_dir" yaml:"artifact_dir"`
	Retry          RetryConfig `mapstructure:"retry" yaml:"retry"`
}

func (c WorkerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int     `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier" yaml:"multiplier"`
}

type OrchestratorConfig struct {
	TaskTimeoutSec       int `mapstructure:"task_timeout_sec" yaml:"task_timeout_sec"`
	ReconcileIntervalSec int `mapstructure:"reconcile_interval_sec" yaml:"reconcile_interval_sec"`
	// SecurityReview plans a security review even without security
	// constraints.
	SecurityReview bool `mapstructure:"security_review" yaml:"security_review"`
}

func (c OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

func (c OrchestratorConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

type QualityGatesConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Gates run in the listed order.
	Gates     []GateConfig `mapstructure:"gates" yaml:"gates"`
	RulesFile string       `mapstructure:"rules_file" yaml:"rules_file"`
}

type GateConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Required bool   `mapstructure:"required" yaml:"required"`
}

type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type DaemonConfig struct {
	HTTPAddr           string `mapstructure:"http_addr" yaml:"http_addr"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}
