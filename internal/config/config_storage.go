package config

import "time"

// StorageConfig selects and configures the persistent store.
type StorageConfig struct {
	// Driver is "postgres" or "memory" (dev/test only).
	Driver string `yaml:"driver"`

	// DSN is the postgres connection string. Ignored for the memory driver.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultStorageConfig returns storage defaults.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:          "postgres",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}
