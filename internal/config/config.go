package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dbsync/coordinator/internal/localdb"
	"github.com/dbsync/coordinator/internal/runner"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Runner  RunnerConfig  `toml:"runner"`
	LocalDB LocalDBConfig `toml:"localdb"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP/WebSocket server settings
type ServerConfig struct {
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	WSPath    string `toml:"ws_path"`
	RemoteURL string `toml:"remote_url"`
}

// RunnerConfig holds Sync Runner timeout and queue sizing settings
type RunnerConfig struct {
	PingTimeout      time.Duration `toml:"ping_timeout"`
	InboxBufferSize  int           `toml:"inbox_buffer_size"`
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`
}

// LocalDBConfig holds local-database connect/liveness-poll settings
type LocalDBConfig struct {
	Driver          string        `toml:"driver"`
	PollInterval    time.Duration `toml:"poll_interval"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	runnerDefaults := runner.DefaultConfig()
	localDBDefaults := localdb.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Address:   "0.0.0.0",
			Port:      8080,
			WSPath:    "/ws",
			RemoteURL: "",
		},
		Runner: RunnerConfig{
			PingTimeout:      runnerDefaults.PingTimeout,
			InboxBufferSize:  runnerDefaults.InboxBufferSize,
			InboxSendTimeout: runnerDefaults.InboxSendTimeout,
		},
		LocalDB: LocalDBConfig{
			Driver:          localDBDefaults.Driver,
			PollInterval:    localDBDefaults.PollInterval,
			MaxOpenConns:    localDBDefaults.MaxOpenConns,
			ConnMaxLifetime: localDBDefaults.ConnMaxLifetime,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// If no config file specified, return defaults
	if configPath == "" {
		return config, nil
	}

	// Load from file; a missing file is an error
	fileConfig, err := LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	return fileConfig, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Server.WSPath == "" {
		return fmt.Errorf("server ws_path must be specified")
	}

	// Runner validation
	if c.Runner.PingTimeout <= 0 {
		return fmt.Errorf("runner ping_timeout must be positive")
	}
	if c.Runner.InboxBufferSize <= 0 {
		return fmt.Errorf("runner inbox_buffer_size must be positive")
	}
	if c.Runner.InboxSendTimeout <= 0 {
		return fmt.Errorf("runner inbox_send_timeout must be positive")
	}

	// LocalDB validation
	if c.LocalDB.Driver == "" {
		return fmt.Errorf("localdb driver must be specified")
	}
	if c.LocalDB.PollInterval <= 0 {
		return fmt.Errorf("localdb poll_interval must be positive")
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// RunnerSettings converts the TOML-facing sub-config into runner.Config.
func (c *Config) RunnerSettings() runner.Config {
	return runner.Config{
		PingTimeout:      c.Runner.PingTimeout,
		InboxBufferSize:  c.Runner.InboxBufferSize,
		InboxSendTimeout: c.Runner.InboxSendTimeout,
	}
}

// LocalDBSettings converts the TOML-facing sub-config into localdb.Config.
func (c *Config) LocalDBSettings() localdb.Config {
	return localdb.Config{
		Driver:          c.LocalDB.Driver,
		PollInterval:    c.LocalDB.PollInterval,
		MaxOpenConns:    c.LocalDB.MaxOpenConns,
		ConnMaxLifetime: c.LocalDB.ConnMaxLifetime,
	}
}
