package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Remote service connection. UserID and AuthToken come from the
	// external identity provider; the engine treats their absence as a
	// precondition failure, never as a retryable sync error.
	RemoteURL string `toml:"remote_url"`
	UserID    string `toml:"user_id"`
	AuthToken string `toml:"auth_token"`

	// AllowMeteredSync enables automatic sync runs on metered transports.
	// Manual retries work regardless.
	AllowMeteredSync bool `toml:"allow_metered_sync"`

	// Sync tunables. Zero values fall back to built-in defaults.
	SyncWorkers     int `toml:"sync_workers"`
	MaxSyncAttempts int `toml:"max_sync_attempts"`

	// Debug lowers the log level to debug.
	Debug bool `toml:"debug"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
