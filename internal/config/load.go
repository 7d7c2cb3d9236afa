package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. APPFORGE_SCAN_MODE.
const EnvPrefix = "APPFORGE"

// Load reads the JSON config at path on top of the defaults.
// A missing file is not an error. Environment variables override both.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := validateFile(path); err != nil {
				return Config{}, err
			}
			v.SetConfigFile(path)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", path).Msg("config file not found, using defaults")
		} else {
			return Config{}, fmt.Errorf("stat config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validateFile checks the file as written, before defaults and
// environment overrides are merged in.
func validateFile(path string) error {
	raw := viper.New()
	raw.SetConfigFile(path)
	raw.SetConfigType("json")
	if err := raw.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ValidateSettings(raw.AllSettings())
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.model", d.Model.Model)
	v.SetDefault("model.timeout", d.Model.Timeout.String())
	v.SetDefault("model.retries", d.Model.Retries)
	v.SetDefault("budgets.max_retries", d.Budgets.MaxRetries)
	v.SetDefault("budgets.max_steps", d.Budgets.MaxSteps)
	v.SetDefault("scan.mode", d.Scan.Mode)
	v.SetDefault("generation.concurrency", d.Generation.Concurrency)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.db_path", d.History.DBPath)
	v.SetDefault("retention.keep_last", d.Retention.KeepLast)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}
