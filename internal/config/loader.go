package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, expanding ${ENV} references, and
// applies it over the defaults. An empty path returns defaults with
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override secrets and
// endpoints without touching the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLIPORT_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("POLIPORT_IDENTITY_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("POLIPORT_IDENTITY_CLIENT_ID"); v != "" {
		cfg.Identity.ClientID = v
	}
	if v := os.Getenv("POLIPORT_TOOL_SERVER_URL"); v != "" {
		cfg.Tools.ServerURL = v
	}
	if v := os.Getenv("POLIPORT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
