package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hookrelay/internal/delivery"
	httpserver "github.com/fyrsmithlabs/hookrelay/internal/http"
	"github.com/fyrsmithlabs/hookrelay/internal/trigger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery engine and admin API",
	Long: `Run the delivery engine until interrupted.

Triggers arrive over NATS (when nats.enabled) and the admin API. The
periodic sweep runs in-process unless temporal.enabled is set, in which
case "hookrelay worker" owns it.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg
	zl := rt.logger.Underlying()

	rt.logger.Info(ctx, "Starting hookrelay",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("temporal", cfg.Temporal.Enabled))

	st, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := delivery.New(st, delivery.ConfigFromSettings(cfg.Webhooks, version),
		delivery.WithLogger(rt.logger.Named("delivery")),
		delivery.WithTracer(rt.telemetry.Tracer("github.com/fyrsmithlabs/hookrelay/internal/delivery")),
		delivery.WithRegisterer(reg),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery engine: %w", err)
	}
	defer engine.Stop()

	if cfg.Temporal.Enabled {
		rt.logger.Info(ctx, "periodic sweep delegated to temporal worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue))
	} else if err := engine.StartTicker(); err != nil {
		return fmt.Errorf("failed to start sweep ticker: %w", err)
	}

	if cfg.NATS.Enabled {
		nc, sub, err := startSubscriber(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Queue, engine, zl)
		if err != nil {
			return err
		}
		defer nc.Close()
		defer func() { _ = sub.Stop() }()
	}

	srv, err := httpserver.NewServer(engine, reg, zl.Named("http"), &httpserver.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		Version:       version,
		ScheduleRate:  cfg.Webhooks.ScheduleRatePerSecond,
		ScheduleBurst: cfg.Webhooks.ScheduleBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info(context.Background(), "Received signal, shutting down gracefully")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error(shutdownCtx, "server shutdown error", zap.Error(err))
		return err
	}

	rt.logger.Info(shutdownCtx, "Server shutdown complete")
	return nil
}

// startSubscriber connects to NATS and starts the activity subscriber.
func startSubscriber(url, subject, queue string, target trigger.Scheduler, logger *zap.Logger) (*nats.Conn, *trigger.Subscriber, error) {
	nc, err := trigger.Connect(url, logger.Named("nats"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sub, err := trigger.NewSubscriber(nc, subject, queue, target, logger.Named("trigger"))
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := sub.Start(); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return nc, sub, nil
}
