package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level
	Format     string
	Output     OutputConfig
	Sampling   SamplingConfig
	Caller     CallerConfig
	Stacktrace StacktraceConfig
	Fields     map[string]string
	Redaction  RedactionConfig
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool
	OTEL   bool
	File   FileOutputConfig
}

// FileOutputConfig enables a size-rotated log file. Empty Path disables it.
type FileOutputConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SamplingConfig controls log volume reduction.
type SamplingConfig struct {
	Enabled bool
	Tick    config.Duration
	Levels  map[zapcore.Level]LevelSamplingConfig
}

// LevelSamplingConfig defines sampling rate per level.
type LevelSamplingConfig struct {
	Initial    int
	Thereafter int
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool
	Skip    int
}

// StacktraceConfig controls stacktrace inclusion.
type StacktraceConfig struct {
	Level zapcore.Level
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{
			Stdout: true,
		},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels:  DefaultLevelSamplingConfig(),
		},
		Caller: CallerConfig{
			Enabled: true,
			Skip:    1,
		},
		Stacktrace: StacktraceConfig{
			Level: zapcore.ErrorLevel,
		},
		Fields: map[string]string{
			"service": "hookrelay",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "authorization",
				"signature", "dsn", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)(postgres|postgresql)://[^:\s]+:[^@\s]+@`,
			},
		},
	}
}

// FromSettings builds a Config from the file-facing settings in config.LoggingConfig.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Output.File = FileOutputConfig{
		Path:       s.File,
		MaxSizeMB:  s.MaxSizeMB,
		MaxBackups: s.MaxBackups,
		Compress:   true,
	}
	return cfg, cfg.Validate()
}

// DefaultLevelSamplingConfig returns default sampling config by level.
// Error and above are never sampled.
func DefaultLevelSamplingConfig() map[zapcore.Level]LevelSamplingConfig {
	return map[zapcore.Level]LevelSamplingConfig{
		TraceLevel:         {Initial: 1, Thereafter: 0},
		zapcore.DebugLevel: {Initial: 10, Thereafter: 0},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL && c.Output.File.Path == "" {
		return fmt.Errorf("at least one output must be enabled (stdout, otel or file)")
	}
	if c.Output.File.Path != "" && c.Output.File.MaxSizeMB < 0 {
		return fmt.Errorf("file max size must be >= 0, got %d", c.Output.File.MaxSizeMB)
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip)
	}
	if c.Redaction.Enabled {
		for _, pattern := range c.Redaction.Patterns {
			if len(pattern) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, pattern)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
