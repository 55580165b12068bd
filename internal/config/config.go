// ABOUTME: Configuration loading and parsing for krapi-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete krapi-server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds storage configuration. DataDir is the root under
// which the control-plane store and per-project stores live.
type DatabaseConfig struct {
	DataDir string `yaml:"data_dir"`
}

// AuthConfig holds session lifetime configuration
type AuthConfig struct {
	SessionTTL    time.Duration `yaml:"-"`
	RememberMeTTL time.Duration `yaml:"-"`
	BcryptCost    int           `yaml:"bcrypt_cost"`

	// Raw string values for YAML unmarshaling
	SessionTTLRaw    string `yaml:"session_ttl"`
	RememberMeTTLRaw string `yaml:"remember_me_ttl"`
}

// RealtimeConfig holds realtime channel timing configuration
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	BackoffBase       time.Duration `yaml:"-"`
	BackoffCap        time.Duration `yaml:"-"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxReconnects     int           `yaml:"max_reconnects"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	BackoffBaseRaw       string `yaml:"backoff_base"`
	BackoffCapRaw        string `yaml:"backoff_cap"`
}

// AdminConfig holds the first-run administrator seed. These values are only
// consulted while seeding a fresh control-plane store.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists:
// local-only HTTP listener and a data directory beside the binary.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{DataDir: "data"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.DataDir == "" {
		return fmt.Errorf("database.data_dir is required")
	}
	if c.Realtime.BackoffMultiplier < 0 {
		return fmt.Errorf("realtime.backoff_multiplier must not be negative")
	}
	if c.Realtime.MaxReconnects < 0 {
		return fmt.Errorf("realtime.max_reconnects must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL, "auth.session_ttl"},
		{cfg.Auth.RememberMeTTLRaw, &cfg.Auth.RememberMeTTL, "auth.remember_me_ttl"},
		{cfg.Realtime.HeartbeatIntervalRaw, &cfg.Realtime.HeartbeatInterval, "realtime.heartbeat_interval"},
		{cfg.Realtime.BackoffBaseRaw, &cfg.Realtime.BackoffBase, "realtime.backoff_base"},
		{cfg.Realtime.BackoffCapRaw, &cfg.Realtime.BackoffCap, "realtime.backoff_cap"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
