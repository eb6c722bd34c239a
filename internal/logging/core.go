package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newCore tees the enabled outputs (stdout, rotating file, OTEL) and wraps
// the result with sampling. The returned closer releases the log file.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, func() error, error) {
	cores := make([]zapcore.Core, 0, 3)
	var closer func() error

	if cfg.Output.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), cfg.Level))
	}

	if f := cfg.Output.File; f.Path != "" {
		// Files are always JSON regardless of the stdout format.
		enc, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
		}
		closer = rotator.Close
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("hookrelay", otelzap.WithLoggerProvider(otelProvider)))
	}

	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), closer, nil
}
