package workflows

import (
	"errors"
	"fmt"
)

// ErrSweeperNotConfigured is returned by SweepActivity when the worker was
// registered without a Sweeper.
var ErrSweeperNotConfigured = errors.New("sweeper not configured")

// ClientError reports a failed Temporal client call made on behalf of the
// sweep: creating the schedule or starting a one-off run.
type ClientError struct {
	Op     string // "create_schedule", "start_sweep"
	Target string // schedule id or task queue
	Err    error
}

func (e *ClientError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Target, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// WrapActivityError wraps an activity error with operation context.
func WrapActivityError(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, err)
}

// FormatErrorForResult formats an error for a result's Errors slice.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}
