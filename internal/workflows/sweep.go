// Package workflows provides Temporal workflow definitions for hookrelay.
//
// The safety-net sweep can run on a Temporal schedule instead of the
// in-process ticker, so that exactly one worker in a fleet sweeps at a time
// and runs are visible in the Temporal UI.
package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Sweeper runs one safety-net sweep and returns the delivered event count.
type Sweeper interface {
	SweepAll(ctx context.Context) int
}

// SweepInput identifies what started a sweep.
type SweepInput struct {
	RequestedBy string // "schedule", "cli", ...
}

// SweepResult contains the outcome of one sweep workflow run.
type SweepResult struct {
	Events     int      // Events carried by successful deliveries
	StartedAt  time.Time
	FinishedAt time.Time
	Errors     []string // Activity errors, if any
}

// SweepWorkflow runs a single sweep activity.
//
// Sweeps are idempotent: deliveries recompute their window from storage, so
// a retried activity never resends events that were acknowledged.
func SweepWorkflow(ctx workflow.Context, input SweepInput) (*SweepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting webhook sweep", "requested_by", input.RequestedBy)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	result := &SweepResult{StartedAt: workflow.Now(ctx)}

	var a *Activities
	var events int
	if err := workflow.ExecuteActivity(ctx, a.SweepActivity, input).Get(ctx, &events); err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("failed to run sweep", err))
		result.FinishedAt = workflow.Now(ctx)
		return result, WrapActivityError("failed to run sweep", err)
	}

	result.Events = events
	result.FinishedAt = workflow.Now(ctx)
	logger.Info("Webhook sweep complete", "events", events)
	return result, nil
}

// Activities holds sweep activity dependencies. Register a populated
// instance with the worker.
type Activities struct {
	Sweeper Sweeper
}

// SweepActivity runs Sweeper.SweepAll.
func (a *Activities) SweepActivity(ctx context.Context, input SweepInput) (int, error) {
	if a == nil || a.Sweeper == nil {
		return 0, temporal.NewNonRetryableApplicationError(ErrSweeperNotConfigured.Error(), "Configuration", ErrSweeperNotConfigured)
	}

	start := time.Now()
	events := a.Sweeper.SweepAll(ctx)

	attrs := metric.WithAttributes(attribute.String("requested_by", input.RequestedBy))
	sweepExecutions.Add(ctx, 1, attrs)
	sweepEvents.Add(ctx, int64(events), attrs)
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	activity.GetLogger(ctx).Info("sweep activity finished", "events", events)
	return events, nil
}

// String implements fmt.Stringer for log output.
func (r *SweepResult) String() string {
	return fmt.Sprintf("sweep: %d events in %s", r.Events, r.FinishedAt.Sub(r.StartedAt))
}
