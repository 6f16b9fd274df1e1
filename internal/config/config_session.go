package config

import "time"

// SessionConfig controls session lifetime and the cleanup sweep.
type SessionConfig struct {
	// LifetimeDays is the absolute session expiry, set at creation.
	LifetimeDays int `yaml:"lifetime_days"`

	// RetentionDays is how long soft-deleted sessions are kept before the
	// sweep hard-deletes them and nulls conversation references.
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval is the cadence of the scheduled cleanup sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RefreshAhead is the remaining access-token lifetime below which a
	// refresh is performed before authenticated operations.
	RefreshAhead time.Duration `yaml:"refresh_ahead"`
}

// DefaultSessionConfig returns session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		LifetimeDays:    30,
		RetentionDays:   90,
		CleanupInterval: time.Hour,
		RefreshAhead:    2 * time.Minute,
	}
}
