// Package config loads specforge's configuration from the workspace
// config.yaml, layering defaults and SPECFORGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/msageha/specforge/internal/model"
)

const (
	WorkspaceDirName = ".specforge"
	EnvPrefix        = "SPECFORGE"
)

// Paths locates every file specforge keeps under a project root.
type Paths struct {
	Root      string
	Workspace string
}

func NewPaths(root string) Paths {
	return Paths{Root: root, Workspace: filepath.Join(root, WorkspaceDirName)}
}

func (p Paths) ConfigFile() string { return filepath.Join(p.Workspace, "config.yaml") }
func (p Paths) GatesFile() string  { return filepath.Join(p.Workspace, "gates.yaml") }
func (p Paths) StateDB() string    { return filepath.Join(p.Workspace, "state.db") }
func (p Paths) Snapshot() string   { return filepath.Join(p.Workspace, "snapshot.yaml") }
func (p Paths) Artifacts() string  { return filepath.Join(p.Workspace, "artifacts") }
func (p Paths) Logs() string       { return filepath.Join(p.Workspace, "logs") }
func (p Paths) AuditLog() string   { return filepath.Join(p.Logs(), "audit.jsonl") }
func (p Paths) Socket() string     { return filepath.Join(p.Workspace, "daemon.sock") }
func (p Paths) LockFile() string   { return filepath.Join(p.Workspace, "daemon.lock") }

// Default returns the built-in configuration.
func Default() *model.Config {
	concurrency := make(map[string]int)
	for _, c := range model.Categories() {
		concurrency[string(c)] = model.DefaultConcurrency(c)
	}

	return &model.Config{
		Project: model.ProjectConfig{Name: "specforge"},
		Detector: model.DetectorConfig{
			SpecDir:         "specs",
			Patterns:        []string{"*.md", "*.txt"},
			ScanIntervalSec: 10,
			Watch:           true,
			DebounceMs:      300,
			Policy:          "whitespace",
		},
		Queue: model.QueueConfig{
			PriorityAgingSec:     300,
			VisibilityTimeoutSec: 600,
			MaxDeliveries:        3,
			SweepIntervalSec:     5,
			Concurrency:          concurrency,
		},
		Worker: model.WorkerConfig{
			Generator:      "stub",
			CallTimeoutSec: 120,
			Retry: model.RetryConfig{
				MaxAttempts: 4,
				BaseDelayMs: 500,
				MaxDelayMs:  30000,
				Multiplier:  2,
			},
		},
		Orchestrator: model.OrchestratorConfig{
			TaskTimeoutSec:       1800,
			ReconcileIntervalSec: 15,
		},
		QualityGates: model.QualityGatesConfig{
			Enabled: true,
			Gates: []model.GateConfig{
				{Name: "tasks_succeeded", Required: true},
				{Name: "artifacts_present", Required: true},
				{Name: "acceptance_coverage", Required: false},
				{Name: "security_review", Required: true},
			},
			RulesFile: "gates.yaml",
		},
		Store:   model.StoreConfig{Driver: "sqlite"},
		Daemon:  model.DaemonConfig{HTTPAddr: "127.0.0.1:7733", ShutdownTimeoutSec: 10},
		Logging: model.LoggingConfig{Level: "info"},
	}
}

// SetDefaults registers Default() with v so that every key is known to
// viper and therefore overridable from the environment.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("project.name", d.Project.Name)
	v.SetDefault("project.description", d.Project.Description)

	v.SetDefault("detector.spec_dir", d.Detector.SpecDir)
	v.SetDefault("detector.patterns", d.Detector.Patterns)
	v.SetDefault("detector.scan_interval_sec", d.Detector.ScanIntervalSec)
	v.SetDefault("detector.watch", d.Detector.Watch)
	v.SetDefault("detector.debounce_ms", d.Detector.DebounceMs)
	v.SetDefault("detector.policy", d.Detector.Policy)

	v.SetDefault("queue.priority_aging_sec", d.Queue.PriorityAgingSec)
	v.SetDefault("queue.visibility_timeout_sec", d.Queue.VisibilityTimeoutSec)
	v.SetDefault("queue.max_deliveries", d.Queue.MaxDeliveries)
	v.SetDefault("queue.sweep_interval_sec", d.Queue.SweepIntervalSec)
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)

	v.SetDefault("worker.generator", d.Worker.Generator)
	v.SetDefault("worker.endpoint", d.Worker.Endpoint)
	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.call_timeout_sec", d.Worker.CallTimeoutSec)
	v.SetDefault("worker.artifact_dir", d.Worker.ArtifactDir)
	v.SetDefault("worker.retry.max_attempts", d.Worker.Retry.MaxAttempts)
	v.SetDefault("worker.retry.base_delay_ms", d.Worker.Retry.BaseDelayMs)
	v.SetDefault("worker.retry.max_delay_ms", d.Worker.Retry.MaxDelayMs)
	v.SetDefault("worker.retry.multiplier", d.Worker.Retry.Multiplier)

	v.SetDefault("orchestrator.task_timeout_sec", d.Orchestrator.TaskTimeoutSec)
	v.SetDefault("orchestrator.reconcile_interval_sec", d.Orchestrator.ReconcileIntervalSec)
	v.SetDefault("orchestrator.security_review", d.Orchestrator.SecurityReview)

	gates := make([]map[string]any, 0, len(d.QualityGates.Gates))
	for _, g := range d.QualityGates.Gates {
		gates = append(gates, map[string]any{"name": g.Name, "required": g.Required})
	}
	v.SetDefault("quality_gates.enabled", d.QualityGates.Enabled)
	v.SetDefault("quality_gates.gates", gates)
	v.SetDefault("quality_gates.rules_file", d.QualityGates.RulesFile)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("daemon.http_addr", d.Daemon.HTTPAddr)
	v.SetDefault("daemon.shutdown_timeout_sec", d.Daemon.ShutdownTimeoutSec)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// Load reads <root>/.specforge/config.yaml. A missing file is not an error;
// defaults and environment overrides still apply. Relative paths in the
// result are resolved against the project root.
func Load(root string) (*model.Config, error) {
	paths := NewPaths(root)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(paths.ConfigFile())
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", paths.ConfigFile(), err)
		}
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	Resolve(&cfg, paths)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve fills derived paths and makes relative ones absolute.
func Resolve(cfg *model.Config, paths Paths) {
	abs := func(base, p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Detector.SpecDir = abs(paths.Root, cfg.Detector.SpecDir)
	if cfg.Worker.ArtifactDir == "" {
		cfg.Worker.ArtifactDir = paths.Artifacts()
	}
	cfg.Worker.ArtifactDir = abs(paths.Root, cfg.Worker.ArtifactDir)
	cfg.QualityGates.RulesFile = abs(paths.Workspace, cfg.QualityGates.RulesFile)
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = paths.StateDB()
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(paths.Logs(), "specforge.log")
	}
	cfg.Logging.File = abs(paths.Root, cfg.Logging.File)
}

var (
	validPolicies   = map[string]bool{"strict": true, "whitespace": true, "comments": true}
	validDrivers    = map[string]bool{"sqlite": true, "postgres": true}
	validGenerators = map[string]bool{"stub": true, "http": true, "command": true}
)

// Validate reports every problem found, joined into one error.
func Validate(cfg *model.Config) error {
	var errs []error

	if !validPolicies[cfg.Detector.Policy] {
		errs = append(errs, fmt.Errorf("detector.policy: unknown policy %q", cfg.Detector.Policy))
	}
	if len(cfg.Detector.Patterns) == 0 {
		errs = append(errs, errors.New("detector.patterns: at least one pattern required"))
	}
	for _, p := range cfg.Detector.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("detector.patterns: %q: %w", p, err))
		}
	}
	if cfg.Detector.ScanIntervalSec <= 0 {
		errs = append(errs, errors.New("detector.scan_interval_sec: must be positive"))
	}
	if cfg.Queue.VisibilityTimeoutSec <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout_sec: must be positive"))
	}
	if cfg.Queue.MaxDeliveries <= 0 {
		errs = append(errs, errors.New("queue.max_deliveries: must be positive"))
	}
	for name := range cfg.Queue.Concurrency {
		if _, err := model.ParseCategory(name); err != nil {
			errs = append(errs, fmt.Errorf("queue.concurrency: %w", err))
		}
	}
	if !validGenerators[cfg.Worker.Generator] {
		errs = append(errs, fmt.Errorf("worker.generator: unknown generator %q", cfg.Worker.Generator))
	}
	if cfg.Worker.Generator == "http" && cfg.Worker.Endpoint == "" {
		errs = append(errs, errors.New("worker.endpoint: required for the http generator"))
	}
	if cfg.Worker.Generator == "command" && len(cfg.Worker.Command) == 0 {
		errs = append(errs, errors.New("worker.command: required for the command generator"))
	}
	if cfg.Worker.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("worker.retry.max_attempts: must be positive"))
	}
	if cfg.Worker.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("worker.retry.multiplier: must be >= 1"))
	}
	if cfg.Orchestrator.TaskTimeoutSec <= 0 {
		errs = append(errs, errors.New("orchestrator.task_timeout_sec: must be positive"))
	}
	seen := make(map[string]bool)
	for i, g := range cfg.QualityGates.Gates {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("quality_gates.gates[%d]: name required", i))
			continue
		}
		if seen[g.Name] {
			errs = append(errs, fmt.Errorf("quality_gates.gates[%d]: duplicate gate %q", i, g.Name))
		}
		seen[g.Name] = true
	}
	if !validDrivers[cfg.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for postgres"))
	}

	return errors.Join(errs...)
}
