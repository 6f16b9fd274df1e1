package config

import "time"

// ToolsConfig configures the tool-server connection and the per-session
// tool-client pool.
type ToolsConfig struct {
	// ServerURL is the MCP tool-server endpoint.
	ServerURL string `yaml:"server_url"`

	// ReconnectAttempts bounds transport reconnects; ReconnectDelay is the
	// fixed delay between attempts.
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig bounds the per-session tool-client pool.
type PoolConfig struct {
	// MaxSize caps the number of live clients; least-recently-used entries
	// are evicted beyond it.
	MaxSize int `yaml:"max_size"`

	// TTL is the idle lifetime of a pooled client.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultToolsConfig returns tool-server defaults.
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
		Pool: PoolConfig{
			MaxSize: 100,
			TTL:     30 * time.Minute,
		},
	}
}
