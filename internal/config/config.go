// Package config provides configuration loading for hookrelay.
//
// Configuration is read from a YAML file and overridden by environment
// variables. See LoadWithFile for precedence and file security rules.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete hookrelay configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Webhooks  WebhooksConfig  `koanf:"webhooks"`
	NATS      NATSConfig      `koanf:"nats"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects the destination and activity store.
// DSN is either a postgres:// URL or a sqlite path (optionally sqlite://).
type StorageConfig struct {
	DSN Secret `koanf:"dsn"`
}

// WebhooksConfig holds delivery engine tuning.
type WebhooksConfig struct {
	DebounceWindow   Duration `koanf:"debounce_window"`
	MinInterval      Duration `koanf:"min_interval"`
	DeliveryTimeout  Duration `koanf:"delivery_timeout"`
	FailureThreshold int      `koanf:"failure_threshold"`
	CacheTTL         Duration `koanf:"cache_ttl"`
	CacheMaxEntries  int      `koanf:"cache_max_entries"`
	SweepInterval    Duration `koanf:"sweep_interval"`
	SweepConcurrency int      `koanf:"sweep_concurrency"`

	// Per-project limit on manual schedule requests through the admin API.
	ScheduleRatePerSecond float64 `koanf:"schedule_rate_per_second"`
	ScheduleBurst         int     `koanf:"schedule_burst"`
}

// NATSConfig configures the activity notification subscriber.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Queue   string `koanf:"queue"`
}

// TemporalConfig configures the Temporal sweep worker.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// LoggingConfig is the file-facing subset of logging.Config.
type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

// TelemetryConfig is the file-facing subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DSN: Secret(defaultDSN()),
		},
		Webhooks: WebhooksConfig{
			DebounceWindow:        Duration(5 * time.Second),
			MinInterval:           Duration(30 * time.Second),
			DeliveryTimeout:       Duration(10 * time.Second),
			FailureThreshold:      5,
			CacheTTL:              Duration(30 * time.Second),
			CacheMaxEntries:       1024,
			SweepInterval:         Duration(5 * time.Minute),
			SweepConcurrency:      8,
			ScheduleRatePerSecond: 1,
			ScheduleBurst:         5,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "hookrelay.activity",
			Queue:   "hookrelay",
		},
		Temporal: TemporalConfig{
			Host:      "localhost:7233",
			Namespace: "default",
			TaskQueue: "hookrelay-sweep",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "hookrelay",
			SampleRate:  1.0,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if strings.TrimSpace(c.Storage.DSN.Value()) == "" {
		return errors.New("storage dsn is required")
	}

	w := c.Webhooks
	for name, d := range map[string]Duration{
		"debounce_window":  w.DebounceWindow,
		"min_interval":     w.MinInterval,
		"delivery_timeout": w.DeliveryTimeout,
		"cache_ttl":        w.CacheTTL,
		"sweep_interval":   w.SweepInterval,
	} {
		if d.Duration() <= 0 {
			return fmt.Errorf("webhooks.%s must be positive", name)
		}
	}
	if w.FailureThreshold < 1 {
		return fmt.Errorf("webhooks.failure_threshold must be >= 1, got %d", w.FailureThreshold)
	}
	if w.CacheMaxEntries < 1 {
		return fmt.Errorf("webhooks.cache_max_entries must be >= 1, got %d", w.CacheMaxEntries)
	}
	if w.SweepConcurrency < 1 {
		return fmt.Errorf("webhooks.sweep_concurrency must be >= 1, got %d", w.SweepConcurrency)
	}
	if w.ScheduleRatePerSecond <= 0 || w.ScheduleBurst < 1 {
		return errors.New("webhooks schedule rate and burst must be positive")
	}

	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return errors.New("nats url and subject required when nats is enabled")
	}
	if c.Temporal.Enabled && (c.Temporal.Host == "" || c.Temporal.TaskQueue == "") {
		return errors.New("temporal host and task_queue required when temporal is enabled")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
