package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	appDirName        = "hookrelay"
	systemConfigDir   = "/etc/hookrelay"
)

// LoadWithFile loads configuration from YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, WEBHOOKS_DEBOUNCE_WINDOW, etc.)
//  2. YAML config file (~/.config/hookrelay/config.yaml)
//  3. Defaults from Default()
//
// A missing file is not an error. An existing file must be 0600 or 0400,
// at most 1MB, and live under ~/.config/hookrelay/ or /etc/hookrelay/.
//
// Environment variables split on the first underscore only:
//
//	SERVER_HTTP_PORT          -> server.http_port
//	WEBHOOKS_FAILURE_THRESHOLD -> webhooks.failure_threshold
//	STORAGE_DSN               -> storage.dsn
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := userConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// EnsureConfigDir creates ~/.config/hookrelay with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := userConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", appDirName), nil
}

func defaultDSN() string {
	dir, err := userConfigDir()
	if err != nil {
		return appDirName + ".db"
	}
	return "sqlite://" + filepath.Join(dir, appDirName+".db")
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := userConfigDir()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, systemConfigDir} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/hookrelay/ or /etc/hookrelay/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills zero values from Default().
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if !cfg.Storage.DSN.IsSet() {
		cfg.Storage.DSN = d.Storage.DSN
	}

	w, dw := &cfg.Webhooks, d.Webhooks
	if w.DebounceWindow == 0 {
		w.DebounceWindow = dw.DebounceWindow
	}
	if w.MinInterval == 0 {
		w.MinInterval = dw.MinInterval
	}
	if w.DeliveryTimeout == 0 {
		w.DeliveryTimeout = dw.DeliveryTimeout
	}
	if w.FailureThreshold == 0 {
		w.FailureThreshold = dw.FailureThreshold
	}
	if w.CacheTTL == 0 {
		w.CacheTTL = dw.CacheTTL
	}
	if w.CacheMaxEntries == 0 {
		w.CacheMaxEntries = dw.CacheMaxEntries
	}
	if w.SweepInterval == 0 {
		w.SweepInterval = dw.SweepInterval
	}
	if w.SweepConcurrency == 0 {
		w.SweepConcurrency = dw.SweepConcurrency
	}
	if w.ScheduleRatePerSecond == 0 {
		w.ScheduleRatePerSecond = dw.ScheduleRatePerSecond
	}
	if w.ScheduleBurst == 0 {
		w.ScheduleBurst = dw.ScheduleBurst
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = d.NATS.URL
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = d.NATS.Subject
	}
	if cfg.NATS.Queue == "" {
		cfg.NATS.Queue = d.NATS.Queue
	}

	if cfg.Temporal.Host == "" {
		cfg.Temporal.Host = d.Temporal.Host
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = d.Temporal.Namespace
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = d.Temporal.TaskQueue
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = d.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = d.Logging.MaxBackups
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = d.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = d.Telemetry.Protocol
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = d.Telemetry.SampleRate
	}
}
