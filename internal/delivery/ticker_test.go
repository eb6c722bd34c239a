package delivery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	runs   atomic.Int32
	panics atomic.Bool
}

func (r *countingRunner) SweepAll(ctx context.Context) int {
	r.runs.Add(1)
	if r.panics.Load() {
		panic("sweep exploded")
	}
	return 0
}

func TestNewSweepTicker_Validation(t *testing.T) {
	_, err := NewSweepTicker(nil, time.Second, nil)
	assert.ErrorContains(t, err, "sweeper cannot be nil")

	_, err = NewSweepTicker(&countingRunner{}, 0, nil)
	assert.ErrorContains(t, err, "must be positive")
}

func TestSweepTicker_RunsPeriodically(t *testing.T) {
	r := &countingRunner{}
	tk, err := NewSweepTicker(r, 20*time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, tk.Start())
	assert.True(t, tk.Running())
	assert.ErrorContains(t, tk.Start(), "already running")

	require.Eventually(t, func() bool { return r.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tk.Stop())
	assert.False(t, tk.Running())
	runs := r.runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, runs, r.runs.Load(), "no sweeps after Stop")

	require.NoError(t, tk.Stop())

	// Restartable.
	require.NoError(t, tk.Start())
	require.NoError(t, tk.Stop())
}

func TestSweepTicker_SurvivesPanics(t *testing.T) {
	r := &countingRunner{}
	r.panics.Store(true)
	logger := logging.NewTestLogger()
	tk, err := NewSweepTicker(r, 10*time.Millisecond, logger.Logger)
	require.NoError(t, err)

	require.NoError(t, tk.Start())
	t.Cleanup(func() { _ = tk.Stop() })

	require.Eventually(t, func() bool { return r.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tk.Running())
	assert.GreaterOrEqual(t, logger.FilterMessage("sweep panicked").Len(), 2)
}
