package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hookrelay/internal/delivery"
	"github.com/fyrsmithlabs/hookrelay/internal/workflows"
)

var skipSchedule bool

func init() {
	workerCmd.Flags().BoolVar(&skipSchedule, "skip-schedule", false, "do not create the recurring sweep schedule")
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal sweep worker",
	Long: `Poll the Temporal task queue for sweep workflows and make sure the
recurring sweep schedule exists (every webhooks.sweep_interval).`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	st, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	dcfg := delivery.ConfigFromSettings(cfg.Webhooks, version)
	engine, err := delivery.New(st, dcfg,
		delivery.WithLogger(rt.logger.Named("delivery")),
		delivery.WithTracer(rt.telemetry.Tracer("github.com/fyrsmithlabs/hookrelay/internal/delivery")),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery engine: %w", err)
	}
	defer engine.Stop()

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	defer c.Close()

	if !skipSchedule {
		if err := workflows.EnsureSchedule(ctx, c, cfg.Temporal.TaskQueue, dcfg.SweepInterval); err != nil {
			return err
		}
	}

	w := workflows.NewWorker(c, cfg.Temporal.TaskQueue, engine)

	rt.logger.Info(ctx, "Starting Temporal worker",
		zap.String("temporal_host", cfg.Temporal.Host),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.Duration("sweep_interval", dcfg.SweepInterval))

	if err := w.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	return nil
}
