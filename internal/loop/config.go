package loop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/memyselfmike/telic-loop/internal/decisionengine"
)

// Config is the loop's full set of tunables: the decision engine's table
// plus the scheduler-level knobs the decision table doesn't own (exit-gate
// wall clock, VRC cadence, code-health enforcement, crash backoff).
type Config struct {
	Decision decisionengine.Config `yaml:"decision"`

	ExitGateWallClockSec int `yaml:"exit_gate_wall_clock_sec"`

	VRCFullEveryN       int `yaml:"vrc_full_every_n"`
	VRCFullFirstN       int `yaml:"vrc_full_first_n"`

	CodeHealthEnabled    bool `yaml:"code_health_enabled"`
	MonolithicFileLines  int  `yaml:"monolithic_file_lines"`

	CrashBackoffSec []int `yaml:"crash_backoff_sec"`
}

// DefaultConfig returns the scheduler-level defaults: exit-gate wall clock,
// VRC cadence, code-health enforcement, and crash backoff.
func DefaultConfig() Config {
	return Config{
		Decision:             decisionengine.DefaultConfig(),
		ExitGateWallClockSec: 1800,
		VRCFullEveryN:        5,
		VRCFullFirstN:        3,
		CodeHealthEnabled:    true,
		MonolithicFileLines:  800,
		CrashBackoffSec:      []int{10, 20, 30},
	}
}

// LoadConfig reads a YAML or JSON config file, applies defaults for unset
// fields, and validates the result. Unknown fields are a load error (strict
// decoding), following a load/default/validate three-phase pattern.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("loop: read config %s: %w", path, err)
	}

	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("loop: parse config %s: %w", path, err)
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("loop: parse config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("loop: invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Decision.MaxTaskRetries == 0 {
		cfg.Decision.MaxTaskRetries = def.Decision.MaxTaskRetries
	}
	if cfg.Decision.MaxFixAttempts == 0 {
		cfg.Decision.MaxFixAttempts = def.Decision.MaxFixAttempts
	}
	if cfg.Decision.StuckThreshold == 0 {
		cfg.Decision.StuckThreshold = def.Decision.StuckThreshold
	}
	if cfg.Decision.VRCMinIntervalSec == 0 {
		cfg.Decision.VRCMinIntervalSec = def.Decision.VRCMinIntervalSec
	}
	if cfg.Decision.MaxRollbacksPerSprint == 0 {
		cfg.Decision.MaxRollbacksPerSprint = def.Decision.MaxRollbacksPerSprint
	}
	if cfg.Decision.MaxExitGateAttempts == 0 {
		cfg.Decision.MaxExitGateAttempts = def.Decision.MaxExitGateAttempts
	}
	if cfg.Decision.MaxCrashRestarts == 0 {
		cfg.Decision.MaxCrashRestarts = def.Decision.MaxCrashRestarts
	}
	if cfg.Decision.QCGenerationThreshold == 0 {
		cfg.Decision.QCGenerationThreshold = def.Decision.QCGenerationThreshold
	}
	if cfg.Decision.BudgetWarnFraction == 0 {
		cfg.Decision.BudgetWarnFraction = def.Decision.BudgetWarnFraction
	}
	if cfg.Decision.BudgetCriticalFraction == 0 {
		cfg.Decision.BudgetCriticalFraction = def.Decision.BudgetCriticalFraction
	}
	if cfg.ExitGateWallClockSec == 0 {
		cfg.ExitGateWallClockSec = def.ExitGateWallClockSec
	}
	if cfg.VRCFullEveryN == 0 {
		cfg.VRCFullEveryN = def.VRCFullEveryN
	}
	if cfg.VRCFullFirstN == 0 {
		cfg.VRCFullFirstN = def.VRCFullFirstN
	}
	if cfg.MonolithicFileLines == 0 {
		cfg.MonolithicFileLines = def.MonolithicFileLines
	}
	if len(cfg.CrashBackoffSec) == 0 {
		cfg.CrashBackoffSec = def.CrashBackoffSec
	}
}

func validate(cfg Config) error {
	if cfg.Decision.MaxTaskRetries < 1 {
		return fmt.Errorf("decision.max_task_retries must be >= 1")
	}
	if cfg.Decision.MaxFixAttempts < 1 {
		return fmt.Errorf("decision.max_fix_attempts must be >= 1")
	}
	if cfg.Decision.StuckThreshold < 1 {
		return fmt.Errorf("decision.stuck_threshold must be >= 1")
	}
	if cfg.Decision.BudgetWarnFraction <= 0 || cfg.Decision.BudgetWarnFraction >= 1 {
		return fmt.Errorf("decision.budget_warn_fraction must be in (0,1)")
	}
	if cfg.Decision.BudgetCriticalFraction <= cfg.Decision.BudgetWarnFraction || cfg.Decision.BudgetCriticalFraction >= 1 {
		return fmt.Errorf("decision.budget_critical_fraction must be in (budget_warn_fraction,1)")
	}
	if cfg.ExitGateWallClockSec < 1 {
		return fmt.Errorf("exit_gate_wall_clock_sec must be >= 1")
	}
	if len(cfg.CrashBackoffSec) == 0 {
		return fmt.Errorf("crash_backoff_sec must be non-empty")
	}
	for _, s := range cfg.CrashBackoffSec {
		if s < 0 {
			return fmt.Errorf("crash_backoff_sec entries must be >= 0")
		}
	}
	return nil
}
