package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temporary directory for the duration of the test.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

// writeConfig writes content into the allowed user config directory.
func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "hookrelay")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `server:
  http_port: 9090
  http_host: 0.0.0.0

storage:
  dsn: postgres://hook:pw@db:5432/hooks

webhooks:
  debounce_window: 2s
  min_interval: 1m
  failure_threshold: 3
  sweep_concurrency: 4

nats:
  enabled: true
  url: nats://broker:4222
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if got := cfg.Storage.DSN.Value(); got != "postgres://hook:pw@db:5432/hooks" {
		t.Errorf("Storage.DSN = %q", got)
	}
	if got := cfg.Webhooks.DebounceWindow.Duration(); got != 2*time.Second {
		t.Errorf("Webhooks.DebounceWindow = %v, want 2s", got)
	}
	if got := cfg.Webhooks.MinInterval.Duration(); got != time.Minute {
		t.Errorf("Webhooks.MinInterval = %v, want 1m", got)
	}
	if cfg.Webhooks.FailureThreshold != 3 {
		t.Errorf("Webhooks.FailureThreshold = %d, want 3", cfg.Webhooks.FailureThreshold)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
	// Unset fields fall back to defaults.
	if cfg.NATS.Subject != "hookrelay.activity" {
		t.Errorf("NATS.Subject = %q, want default", cfg.NATS.Subject)
	}
	if got := cfg.Webhooks.CacheTTL.Duration(); got != 30*time.Second {
		t.Errorf("Webhooks.CacheTTL = %v, want 30s", got)
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `server:
  http_port: 9090
webhooks:
  debounce_window: 2s
`, 0600)

	t.Setenv("SERVER_HTTP_PORT", "7777")
	t.Setenv("WEBHOOKS_DEBOUNCE_WINDOW", "750ms")
	t.Setenv("WEBHOOKS_FAILURE_THRESHOLD", "8")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if got := cfg.Webhooks.DebounceWindow.Duration(); got != 750*time.Millisecond {
		t.Errorf("Webhooks.DebounceWindow = %v, want 750ms (from env override)", got)
	}
	if cfg.Webhooks.FailureThreshold != 8 {
		t.Errorf("Webhooks.FailureThreshold = %d, want 8", cfg.Webhooks.FailureThreshold)
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := setupTestHome(t)
	path := filepath.Join(home, ".config", "hookrelay", "config.yaml")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}

	d := Default()
	if cfg.Server.Port != d.Server.Port {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, d.Server.Port)
	}
	if cfg.Webhooks.FailureThreshold != 5 {
		t.Errorf("Webhooks.FailureThreshold = %d, want 5", cfg.Webhooks.FailureThreshold)
	}
	if got := cfg.Webhooks.SweepInterval.Duration(); got != 5*time.Minute {
		t.Errorf("Webhooks.SweepInterval = %v, want 5m", got)
	}
	if !strings.HasSuffix(cfg.Storage.DSN.Value(), "hookrelay.db") {
		t.Errorf("Storage.DSN = %q, want sqlite default", cfg.Storage.DSN.Value())
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `server:
  http_port: not-a-number
  invalid syntax here
`, 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `server:
  http_port: 99999
`, 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/hookrelay/ or /etc/hookrelay/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

func TestLoadWithFile_SiblingDirectoryRejected(t *testing.T) {
	home := setupTestHome(t)

	_, err := LoadWithFile(filepath.Join(home, ".config", "hookrelay-evil", "config.yaml"))
	if err == nil {
		t.Fatal("Expected error for sibling directory, got nil")
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  http_port: 9090\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, string(bytes.Repeat([]byte("# comment line\n"), 150000)), 0600)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := setupTestHome(t)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".config", "hookrelay"))
	if err != nil {
		t.Fatalf("config dir not created: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("config dir perm = %v, want 0700", info.Mode().Perm())
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SERVER_HTTP_PORT":           "server.http_port",
		"WEBHOOKS_FAILURE_THRESHOLD": "webhooks.failure_threshold",
		"STORAGE_DSN":                "storage.dsn",
		"HOME":                       "home",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
