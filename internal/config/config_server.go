package config

import "time"

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// CookieName is the name of the httpOnly session cookie.
	CookieName string `yaml:"cookie_name"`

	// CookieSecure marks the session cookie Secure (disable for local dev).
	CookieSecure bool `yaml:"cookie_secure"`

	// DefaultTenant is the tenant used when the fronting proxy sets no
	// x-tenant-id header.
	DefaultTenant string `yaml:"default_tenant"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WSPingInterval is the websocket keepalive ping cadence.
	WSPingInterval time.Duration `yaml:"ws_ping_interval"`

	// WSWriteTimeout bounds a single websocket write.
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
}

// DefaultServerConfig returns server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		HTTPPort:        8080,
		CookieName:      "poliport_session",
		CookieSecure:    true,
		DefaultTenant:   "default",
		ShutdownTimeout: 15 * time.Second,
		WSPingInterval:  30 * time.Second,
		WSWriteTimeout:  10 * time.Second,
	}
}
