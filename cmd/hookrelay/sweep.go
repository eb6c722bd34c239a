package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hookrelay/internal/delivery"
	"github.com/fyrsmithlabs/hookrelay/internal/workflows"
)

var sweepViaTemporal bool

func init() {
	sweepCmd.Flags().BoolVar(&sweepViaTemporal, "temporal", false, "run the sweep as a Temporal workflow instead of in-process")
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one safety-net sweep and exit",
	Long: `Deliver pending activity for every enabled destination once.

Sweeps are idempotent: each delivery covers only activity newer than the
destination's last successful send.

Examples:
  hookrelay sweep
  hookrelay sweep --temporal   # run through the worker fleet`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	if sweepViaTemporal {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.Host,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Temporal: %w", err)
		}
		defer c.Close()

		result, err := workflows.TriggerSweep(ctx, c, cfg.Temporal.TaskQueue, "cli")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "swept %d events\n", result.Events)
		return nil
	}

	st, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := delivery.New(st, delivery.ConfigFromSettings(cfg.Webhooks, version),
		delivery.WithLogger(rt.logger.Named("delivery")),
		delivery.WithTracer(rt.telemetry.Tracer("github.com/fyrsmithlabs/hookrelay/internal/delivery")),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery engine: %w", err)
	}
	defer engine.Stop()

	n := engine.SweepAll(ctx)
	rt.logger.Info(ctx, "manual sweep finished", zap.Int("events", n))
	fmt.Fprintf(cmd.OutOrStdout(), "swept %d events\n", n)
	return nil
}
