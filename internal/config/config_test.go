// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8090"

database:
  data_dir: "./testdata"

auth:
  session_ttl: "24h"
  remember_me_ttl: "720h"
  bcrypt_cost: 10

realtime:
  heartbeat_interval: "30s"
  backoff_base: "1s"
  backoff_cap: "30s"
  backoff_multiplier: 2.0
  max_reconnects: 8

admin:
  username: "root"
  email: "root@example.com"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify server config
	if cfg.Server.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8090")
	}

	// Verify database config
	if cfg.Database.DataDir != "./testdata" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "./testdata")
	}

	// Verify auth config with duration parsing
	if cfg.Auth.SessionTTL != 24*time.Hour {
		t.Errorf("Auth.SessionTTL = %v, want %v", cfg.Auth.SessionTTL, 24*time.Hour)
	}
	if cfg.Auth.RememberMeTTL != 720*time.Hour {
		t.Errorf("Auth.RememberMeTTL = %v, want %v", cfg.Auth.RememberMeTTL, 720*time.Hour)
	}
	if cfg.Auth.BcryptCost != 10 {
		t.Errorf("Auth.BcryptCost = %d, want 10", cfg.Auth.BcryptCost)
	}

	// Verify realtime config
	if cfg.Realtime.HeartbeatInterval != 30*time.Second {
		t.Errorf("Realtime.HeartbeatInterval = %v, want %v", cfg.Realtime.HeartbeatInterval, 30*time.Second)
	}
	if cfg.Realtime.BackoffBase != time.Second {
		t.Errorf("Realtime.BackoffBase = %v, want %v", cfg.Realtime.BackoffBase, time.Second)
	}
	if cfg.Realtime.BackoffCap != 30*time.Second {
		t.Errorf("Realtime.BackoffCap = %v, want %v", cfg.Realtime.BackoffCap, 30*time.Second)
	}
	if cfg.Realtime.BackoffMultiplier != 2.0 {
		t.Errorf("Realtime.BackoffMultiplier = %v, want 2.0", cfg.Realtime.BackoffMultiplier)
	}
	if cfg.Realtime.MaxReconnects != 8 {
		t.Errorf("Realtime.MaxReconnects = %d, want 8", cfg.Realtime.MaxReconnects)
	}

	// Verify admin seed config
	if cfg.Admin.Username != "root" {
		t.Errorf("Admin.Username = %q, want %q", cfg.Admin.Username, "root")
	}
	if cfg.Admin.Email != "root@example.com" {
		t.Errorf("Admin.Email = %q, want %q", cfg.Admin.Email, "root@example.com")
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	// Set environment variables for testing
	t.Setenv("TEST_ADMIN_PASSWORD", "hunter2-from-env")
	t.Setenv("TEST_DATA_DIR", "/var/lib/krapi")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8090"

database:
  data_dir: "${TEST_DATA_DIR}"

admin:
  username: "admin"
  password: "${TEST_ADMIN_PASSWORD}"

logging:
  level: "info"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify env var expansion
	if cfg.Database.DataDir != "/var/lib/krapi" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/var/lib/krapi")
	}
	if cfg.Admin.Password != "hunter2-from-env" {
		t.Errorf("Admin.Password = %q, want %q", cfg.Admin.Password, "hunter2-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	// Ensure the env var is NOT set
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8090"

database:
  data_dir: "./data"

admin:
  username: "admin"
  password: "${UNSET_VAR_FOR_TEST}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Admin.Password != "" {
		t.Errorf("Admin.Password = %q, want empty string for unset env var", cfg.Admin.Password)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8090"

database:
  data_dir: "./data"

auth:
  session_ttl: "1h30m"
  remember_me_ttl: "168h"

realtime:
  heartbeat_interval: "45s"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify complex duration parsing
	expectedTTL := time.Hour + 30*time.Minute
	if cfg.Auth.SessionTTL != expectedTTL {
		t.Errorf("Auth.SessionTTL = %v, want %v", cfg.Auth.SessionTTL, expectedTTL)
	}

	if cfg.Auth.RememberMeTTL != 168*time.Hour {
		t.Errorf("Auth.RememberMeTTL = %v, want %v", cfg.Auth.RememberMeTTL, 168*time.Hour)
	}

	if cfg.Realtime.HeartbeatInterval != 45*time.Second {
		t.Errorf("Realtime.HeartbeatInterval = %v, want %v", cfg.Realtime.HeartbeatInterval, 45*time.Second)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Invalid YAML content
	configContent := `
server:
  http_addr "missing colon"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8090"

database:
  data_dir: "./data"

auth:
  session_ttl: "invalid-duration"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
server:
  http_addr: ""
database:
  data_dir: "./data"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing data_dir",
			configContent: `
server:
  http_addr: "0.0.0.0:8090"
database:
  data_dir: ""
`,
			wantErrSubstr: "database.data_dir is required",
		},
		{
			name: "negative backoff multiplier",
			configContent: `
server:
  http_addr: "0.0.0.0:8090"
database:
  data_dir: "./data"
realtime:
  backoff_multiplier: -1.5
`,
			wantErrSubstr: "backoff_multiplier must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(tt.configContent), 0644)
			if err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err = Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:8090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8090")
	}
	if cfg.Database.DataDir != "data" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "data")
	}
}
