package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.ErrorContains(t, err, "store cannot be nil")
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(config.Default().Webhooks, "1.2.3")
	assert.Equal(t, 5*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 30*time.Second, cfg.MinInterval)
	assert.Equal(t, 10*time.Second, cfg.DeliveryTimeout)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, "hookrelay/1.2.3", cfg.UserAgent)

	zero := ConfigFromSettings(config.WebhooksConfig{}, "dev")
	assert.Equal(t, 5*time.Second, zero.DebounceWindow)
	assert.Equal(t, 5, zero.FailureThreshold)
}

func TestEngine_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestStore(t)
	e, _ := newTestEngine(t, s, testConfig(), WithRegisterer(reg))

	e.Metrics.DeliveriesTotal.WithLabelValues(string(OutcomeNoEvents)).Inc()
	n, err := testutil.GatherAndCount(reg, "hookrelay_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_CreateAndEnableInvalidateCache(t *testing.T) {
	s := newTestStore(t)
	e, _ := newTestEngine(t, s, testConfig())
	ctx := context.Background()

	dests, err := e.Cache.GetActiveDestinations(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, dests)

	d := &store.Destination{ProjectID: "p1", URL: "https://hooks.example.com", Enabled: true}
	require.NoError(t, e.CreateDestination(ctx, d))
	dests, err = e.Cache.GetActiveDestinations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, dests, 1)

	for i := 0; i < 5; i++ {
		_, err := s.RecordFailure(ctx, d.ID, 5)
		require.NoError(t, err)
	}
	e.Cache.Invalidate("p1")
	dests, err = e.Cache.GetActiveDestinations(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, dests)

	require.NoError(t, e.Enable(ctx, d.ID))
	dests, err = e.Cache.GetActiveDestinations(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, dests, 1)

	assert.ErrorIs(t, e.Enable(ctx, "missing"), store.ErrNotFound)
}

func TestEngine_EndToEnd(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	cfg := testConfig()
	cfg.SweepInterval = 50 * time.Millisecond
	e, _ := newTestEngine(t, s, cfg)

	createDest(t, s, "p1", rcv.URL, "whsec_e2e")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "a", `{"changeType":"created"}`)
	e.ScheduleDelivery("p1")
	require.Eventually(t, func() bool { return rcv.Hits() == 1 }, 3*time.Second, 10*time.Millisecond)

	// A record whose trigger was lost is picked up by the ticker.
	require.NoError(t, e.StartTicker())
	addActivity(t, s, "p1", store.ActionMemoryDelete, "a", "")
	require.Eventually(t, func() bool { return rcv.Hits() == 2 }, 3*time.Second, 10*time.Millisecond)

	body, _ := rcv.last()
	p := decodePayload(t, body)
	require.Len(t, p.Events, 1)
	assert.Equal(t, "memory.deleted", p.Events[0].Type)

	e.Stop()
}
