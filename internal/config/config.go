// Package config defines the gateway configuration and its YAML loader.
package config

import (
	"fmt"

	"github.com/poliport/poliport/internal/observability"
)

// Config is the root gateway configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Logging  observability.LogConfig `yaml:"logging"`
	Storage  StorageConfig           `yaml:"storage"`
	Session  SessionConfig           `yaml:"session"`
	Identity IdentityConfig          `yaml:"identity"`
	Tools    ToolsConfig             `yaml:"tools"`
}

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Storage:  DefaultStorageConfig(),
		Session:  DefaultSessionConfig(),
		Identity: DefaultIdentityConfig(),
		Tools:    DefaultToolsConfig(),
	}
}

// Validate checks cross-field constraints that the loader cannot express.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Session.LifetimeDays <= 0 {
		return fmt.Errorf("session.lifetime_days must be positive")
	}
	if c.Session.RetentionDays <= 0 {
		return fmt.Errorf("session.retention_days must be positive")
	}
	if c.Tools.Pool.MaxSize <= 0 {
		return fmt.Errorf("tools.pool.max_size must be positive")
	}
	if c.Identity.BaseURL == "" {
		return fmt.Errorf("identity.base_url is required")
	}
	return nil
}
