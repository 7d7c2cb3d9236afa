package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/metalagman/appforge/internal/config"
	"github.com/metalagman/appforge/internal/packager"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:          "init",
		Short:        "Write a default config file",
		Long:         "Create the .appforge directory and install a default config.json.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = defaultConfigPath
			}
			written, err := writeDefaultConfig(afero.NewOsFs(), path, force)
			if err != nil {
				return err
			}
			if !written {
				log.Info().Str("path", path).Msg("config already exists, skipping")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func writeDefaultConfig(fs afero.Fs, path string, force bool) (bool, error) {
	if !force {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return false, fmt.Errorf("stat config: %w", err)
		}
		if exists {
			return false, nil
		}
	}
	data, err := defaultConfigJSON()
	if err != nil {
		return false, err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := packager.WriteFileAtomic(fs, path, append(data, '\n')); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}
	return true, nil
}

// defaultConfigJSON renders the defaults with durations in their
// human readable form.
func defaultConfigJSON() ([]byte, error) {
	cfg := config.Default()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	if m, ok := doc["model"].(map[string]any); ok {
		m["timeout"] = cfg.Model.Timeout.String()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
