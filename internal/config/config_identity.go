package config

import "time"

// IdentityConfig configures the external identity-provider client.
type IdentityConfig struct {
	// BaseURL is the identity provider endpoint.
	BaseURL string `yaml:"base_url"`

	// ClientID is sent as a fixed client identifier header on every call.
	ClientID string `yaml:"client_id"`

	// Timeout bounds a single HTTP call to the provider.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultIdentityConfig returns identity-provider defaults.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		Timeout: 15 * time.Second,
	}
}
