package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
)

const (
	// DefaultTaskQueue is the task queue sweep workers poll.
	DefaultTaskQueue = "hookrelay-sweep"

	// ScheduleID identifies the recurring sweep schedule.
	ScheduleID = "hookrelay-sweep"
)

// ScheduleOptions builds the recurring sweep schedule. Overlapping runs use
// the server default policy, which skips a run while the previous one is
// still executing.
func ScheduleOptions(taskQueue string, every time.Duration) client.ScheduleOptions {
	return client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: every}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        ScheduleID + "-run",
			Workflow:  SweepWorkflow,
			Args:      []interface{}{SweepInput{RequestedBy: "schedule"}},
			TaskQueue: taskQueue,
		},
	}
}

// EnsureSchedule creates the sweep schedule if it does not exist yet.
func EnsureSchedule(ctx context.Context, c client.Client, taskQueue string, every time.Duration) error {
	if every <= 0 {
		return errors.New("sweep interval must be positive")
	}
	_, err := c.ScheduleClient().Create(ctx, ScheduleOptions(taskQueue, every))
	if err != nil && !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		return &ClientError{Op: "create_schedule", Target: ScheduleID, Err: err}
	}
	return nil
}

// TriggerSweep starts a one-off sweep and waits for its result.
func TriggerSweep(ctx context.Context, c client.Client, taskQueue, requestedBy string) (*SweepResult, error) {
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("hookrelay-sweep-%s-%d", requestedBy, time.Now().UnixNano()),
		TaskQueue: taskQueue,
	}
	run, err := c.ExecuteWorkflow(ctx, opts, SweepWorkflow, SweepInput{RequestedBy: requestedBy})
	if err != nil {
		return nil, &ClientError{Op: "start_sweep", Target: taskQueue, Err: err}
	}
	var result SweepResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, WrapActivityError("sweep workflow failed", err)
	}
	return &result, nil
}

// NewWorker registers the sweep workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, sweeper Sweeper) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(SweepWorkflow)
	w.RegisterActivity(&Activities{Sweeper: sweeper})
	return w
}
