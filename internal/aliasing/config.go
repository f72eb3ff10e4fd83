// Package aliasing maps alternate table spellings to canonical fully
// qualified names.
//
// Query logs refer to the same physical table under different names: with or
// without the catalog prefix, through environment-suffixed schemas, or via
// replicas. Without canonicalization those spellings become disconnected
// lineage nodes. Alias rules collapse them before edges are written.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aegis-io/aegis/internal/config"
)

type (
	// AliasRule rewrites table names matching Pattern to the Canonical
	// template. Both sides may use {var} placeholders.
	AliasRule struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}

	// Config holds the alias rules loaded from the aegis YAML config file.
	Config struct {
		TableAliases []AliasRule `yaml:"table_aliases"`
	}
)

// DefaultConfigPath is the default location for the aegis configuration file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".aegis.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "AEGIS_CONFIG_PATH"

// LoadConfig loads alias configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - aliases are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the service can start even without
// aliases configured.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without table aliases",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without table aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without table aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{}, nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in AEGIS_CONFIG_PATH, falling
// back to ".aegis.yaml" in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
