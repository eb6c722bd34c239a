// Hookrelay delivers batched, signed webhook notifications for project
// memory changes.
//
// Usage:
//
//	# Run the delivery engine with the admin API
//	hookrelay serve
//
//	# Run one safety-net sweep and exit
//	hookrelay sweep
//
//	# Configure via environment
//	STORAGE_DSN=postgres://hookrelay@db/hookrelay hookrelay serve
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/fyrsmithlabs/hookrelay/internal/store/factory"
	"github.com/fyrsmithlabs/hookrelay/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default ~/.config/hookrelay/config.yaml
	configPath string
	// dsnOverride replaces storage.dsn when set
	dsnOverride string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hookrelay",
	Short: "Webhook delivery engine for project memory events",
	Long: `hookrelay turns project activity into batched, HMAC-signed webhook
deliveries. Deliveries are debounced per destination, rate limited, and
guarded by a circuit breaker; a periodic sweep catches anything missed.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/hookrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dsnOverride, "dsn", "", "storage DSN (postgres:// URL or sqlite path)")
}

// runtime holds the ambient services every long-running command needs.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// setup loads configuration and initializes logging and telemetry.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dsnOverride != "" {
		cfg.Storage.DSN = config.Secret(dsnOverride)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without exporters", zap.String("error", h.Error))
	}

	return &runtime{cfg: cfg, logger: logger, telemetry: tel}, nil
}

// Close flushes logs and telemetry.
func (r *runtime) Close() {
	_ = r.telemetry.Shutdown(context.Background())
	_ = r.logger.Sync() // Best-effort sync on shutdown
}

// openStore opens the configured store and makes sure the schema exists.
func (r *runtime) openStore(ctx context.Context) (store.Store, error) {
	st, err := factory.NewFromDSN(r.cfg.Storage.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return st, nil
}
