package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"go.uber.org/zap"
)

// SweepRunner runs one safety-net sweep.
type SweepRunner interface {
	SweepAll(ctx context.Context) int
}

// SweepTicker drives a SweepRunner on a fixed interval in-process. It is the
// alternative to the Temporal schedule for single-node deployments.
type SweepTicker struct {
	interval time.Duration
	sweeper  SweepRunner
	logger   *logging.Logger

	// mu protects running and stopCh
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweepTicker creates a ticker. It does not start until Start is called.
func NewSweepTicker(sweeper SweepRunner, interval time.Duration, logger *logging.Logger) (*SweepTicker, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", interval)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SweepTicker{
		interval: interval,
		sweeper:  sweeper,
		logger:   logger.Named("sweep-ticker"),
	}, nil
}

// Start begins periodic sweeps. Starting a running ticker is an error.
func (t *SweepTicker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("sweep ticker is already running")
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.running = true

	t.logger.Info(context.Background(), "sweep ticker started", zap.Duration("interval", t.interval))
	go t.run(t.stopCh, t.doneCh)
	return nil
}

// Stop halts the ticker and waits for an in-progress sweep. Stopping a
// stopped ticker is a no-op.
func (t *SweepTicker) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	done := t.doneCh
	t.mu.Unlock()

	<-done
	t.logger.Info(context.Background(), "sweep ticker stopped")
	return nil
}

// Running reports whether the ticker loop is active.
func (t *SweepTicker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *SweepTicker) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.safeSweep(stopCh)
		case <-stopCh:
			return
		}
	}
}

// safeSweep runs one sweep, cancelling it if the ticker stops. A panicking
// sweep is logged and the loop continues.
func (t *SweepTicker) safeSweep(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error(context.Background(), "sweep panicked, continuing ticker",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	t.sweeper.SweepAll(ctx)
}
