// Package config provides configuration loading and management for appforge.
package config

import (
	"fmt"
	"time"
)

// Scan modes.
const (
	ScanDeterministic = "deterministic"
	ScanModel         = "model"
)

// Config is the root configuration.
type Config struct {
	Model       ModelConfig            `json:"model"                  mapstructure:"model"`
	StageModels map[string]ModelConfig `json:"stage_models,omitempty" mapstructure:"stage_models"`
	Budgets     Budgets                `json:"budgets"                mapstructure:"budgets"`
	Scan        ScanConfig             `json:"scan"                   mapstructure:"scan"`
	Generation  GenerationConfig       `json:"generation"             mapstructure:"generation"`
	Output      OutputConfig           `json:"output"                 mapstructure:"output"`
	History     HistoryConfig          `json:"history"                mapstructure:"history"`
	Retention   RetentionPolicy        `json:"retention"              mapstructure:"retention"`
	Metrics     MetricsConfig          `json:"metrics"                mapstructure:"metrics"`
}

// ModelConfig selects and configures a model backend.
type ModelConfig struct {
	// Provider is openai, gemini or exec.
	Provider  string        `json:"provider"              mapstructure:"provider"`
	Model     string        `json:"model,omitempty"       mapstructure:"model"`
	BaseURL   string        `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKeyEnv string        `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Timeout   time.Duration `json:"timeout,omitempty"     mapstructure:"timeout"`
	// Agent and Cmd configure the exec provider.
	Agent  string   `json:"agent,omitempty"   mapstructure:"agent"`
	Cmd    []string `json:"cmd,omitempty"     mapstructure:"cmd"`
	UseTTY *bool    `json:"use_tty,omitempty" mapstructure:"use_tty"`
	// Retries is the number of attempts for rate limited calls.
	Retries int `json:"retries,omitempty" mapstructure:"retries"`
}

// Budgets defines run limits.
type Budgets struct {
	MaxRetries   int            `json:"max_retries"             mapstructure:"max_retries"`
	StageRetries map[string]int `json:"stage_retries,omitempty" mapstructure:"stage_retries"`
	MaxSteps     int            `json:"max_steps"               mapstructure:"max_steps"`
}

// ScanConfig selects the post-generation validation path.
type ScanConfig struct {
	Mode string `json:"mode" mapstructure:"mode"`
}

// GenerationConfig controls file generation.
type GenerationConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// OutputConfig controls where packaged runs are written.
type OutputConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	DBPath  string `json:"db_path" mapstructure:"db_path"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty" mapstructure:"addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Provider: "openai",
			Model:    "gpt-5-mini",
			Timeout:  2 * time.Minute,
			Retries:  3,
		},
		Budgets: Budgets{
			MaxRetries: 2,
			MaxSteps:   40,
		},
		Scan:       ScanConfig{Mode: ScanDeterministic},
		Generation: GenerationConfig{Concurrency: 4},
		Output:     OutputConfig{Dir: ".appforge/out"},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  ".appforge/appforge.db",
		},
		Retention: RetentionPolicy{KeepLast: 50},
	}
}

// Validate checks cross-field constraints the JSON schema cannot express.
func (c Config) Validate() error {
	if c.Budgets.MaxRetries < 0 {
		return fmt.Errorf("budgets.max_retries must be >= 0")
	}
	if c.Budgets.MaxSteps <= 0 {
		return fmt.Errorf("budgets.max_steps must be > 0")
	}
	if c.Generation.Concurrency <= 0 {
		return fmt.Errorf("generation.concurrency must be > 0")
	}
	switch c.Scan.Mode {
	case ScanDeterministic, ScanModel:
	default:
		return fmt.Errorf("scan.mode must be %q or %q, got %q", ScanDeterministic, ScanModel, c.Scan.Mode)
	}
	if err := c.Model.validate("model"); err != nil {
		return err
	}
	for stage, mc := range c.StageModels {
		if err := mc.validate("stage_models." + stage); err != nil {
			return err
		}
	}
	return nil
}

func (m ModelConfig) validate(path string) error {
	switch m.Provider {
	case "openai", "gemini":
		if m.Model == "" {
			return fmt.Errorf("%s.model is required for provider %q", path, m.Provider)
		}
	case "exec":
		if m.Agent == "" && len(m.Cmd) == 0 {
			return fmt.Errorf("%s requires agent or cmd for provider exec", path)
		}
	default:
		return fmt.Errorf("%s.provider %q is not supported", path, m.Provider)
	}
	return nil
}
