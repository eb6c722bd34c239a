package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/signing"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/fyrsmithlabs/hookrelay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestExecutor_DeliversSignedBatch(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	tel := telemetry.NewTestTelemetry()
	e, logger := newTestEngine(t, s, testConfig(), WithTracer(tel.Tracer("test")))

	d := createDest(t, s, "p1", rcv.URL, "whsec_topsecret")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "cfg/a", `{"changeType":"created"}`)
	addActivity(t, s, "p1", "memory_read", "cfg/a", "")
	addActivity(t, s, "p1", store.ActionMemoryDelete, "cfg/b", "")
	addActivity(t, s, "p2", store.ActionMemoryWrite, "other", "")

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	require.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 2, res.Events)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, 1, rcv.Hits())

	body, header := rcv.last()
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "hookrelay/test", header.Get("User-Agent"))
	assert.True(t, signing.Verify(body, "whsec_topsecret", header.Get(signing.Header)))

	p := decodePayload(t, body)
	require.Len(t, p.Events, 2)
	assert.Equal(t, "memory.created", p.Events[0].Type)
	assert.Equal(t, "cfg/a", p.Events[0].MemoryKey)
	assert.Equal(t, "memory.deleted", p.Events[1].Type)
	_, err := time.Parse(time.RFC3339, p.Timestamp)
	assert.NoError(t, err)

	got := reload(t, s, d.ID)
	require.NotNil(t, got.LastSentAt)
	assert.Zero(t, got.ConsecutiveFailures)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.DeliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics.EventsDispatched))
	tel.AssertSpanAttribute(t, "webhook.deliver", "webhook.outcome", "delivered")
	tel.AssertSpanAttribute(t, "webhook.deliver", "webhook.events", int64(2))
	logger.AssertLogged(t, zapcore.InfoLevel, "webhook delivered")
	logger.AssertNoSecret(t, "whsec_topsecret")
}

func TestExecutor_NoSecretNoSignature(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	e, _ := newTestEngine(t, s, testConfig())

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	require.Equal(t, OutcomeDelivered, res.Outcome)
	_, header := rcv.last()
	assert.Empty(t, header.Get(signing.Header))
}

func TestExecutor_NoEventsMakesNoCall(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	e, _ := newTestEngine(t, s, testConfig())

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", "memory_read", "k", "")

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	assert.Equal(t, OutcomeNoEvents, res.Outcome)
	assert.Zero(t, rcv.Hits())

	got := reload(t, s, d.ID)
	assert.Nil(t, got.LastSentAt)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestExecutor_WindowStartsAtLastSent(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	e, _ := newTestEngine(t, s, testConfig())
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "first", "")
	require.Equal(t, OutcomeDelivered, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)

	time.Sleep(5 * time.Millisecond)
	addActivity(t, s, "p1", store.ActionMemoryWrite, "second", "")
	res := e.Executor.Deliver(ctx, reload(t, s, d.ID))
	require.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, res.Events)

	body, _ := rcv.last()
	p := decodePayload(t, body)
	require.Len(t, p.Events, 1)
	assert.Equal(t, "second", p.Events[0].MemoryKey)

	assert.Equal(t, OutcomeNoEvents, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)
}

func TestExecutor_CircuitTripsAtThreshold(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusInternalServerError)
	e, logger := newTestEngine(t, s, testConfig())
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	for i := 1; i <= 4; i++ {
		res := e.Executor.Deliver(ctx, reload(t, s, d.ID))
		require.Equal(t, OutcomeFailed, res.Outcome)
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
		got := reload(t, s, d.ID)
		assert.Equal(t, i, got.ConsecutiveFailures)
		assert.True(t, got.Enabled)
	}
	assert.Zero(t, testutil.ToFloat64(e.Metrics.CircuitOpened))
	logger.AssertNotLogged(t, zapcore.WarnLevel, "disabled after consecutive failures")

	require.Equal(t, OutcomeFailed, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)
	got := reload(t, s, d.ID)
	assert.False(t, got.Enabled)
	assert.Equal(t, 5, got.ConsecutiveFailures)
	assert.Nil(t, got.LastSentAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.CircuitOpened))
	logger.AssertLogged(t, zapcore.WarnLevel, "disabled after consecutive failures")
	logger.AssertField(t, "disabled after consecutive failures", "consecutive_failures", int64(5))

	res := e.Executor.Deliver(ctx, got)
	assert.Equal(t, OutcomeCircuitOpen, res.Outcome)
	assert.Equal(t, 5, rcv.Hits())

	require.NoError(t, e.Enable(ctx, d.ID))
	rcv.status.Store(http.StatusOK)
	assert.Equal(t, OutcomeDelivered, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)
}

func TestExecutor_SuccessResetsFailures(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusBadGateway)
	e, _ := newTestEngine(t, s, testConfig())
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")
	for i := 0; i < 3; i++ {
		e.Executor.Deliver(ctx, reload(t, s, d.ID))
	}
	require.Equal(t, 3, reload(t, s, d.ID).ConsecutiveFailures)

	rcv.status.Store(http.StatusNoContent)
	require.Equal(t, OutcomeDelivered, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)
	assert.Zero(t, reload(t, s, d.ID).ConsecutiveFailures)
}

func TestExecutor_TransportErrorCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	url := rcv.URL
	rcv.Close()
	e, logger := newTestEngine(t, s, testConfig())

	d := createDest(t, s, "p1", url, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, res.StatusCode)
	assert.Equal(t, 1, reload(t, s, d.ID).ConsecutiveFailures)
	logger.AssertLogged(t, zapcore.WarnLevel, "webhook delivery failed")
}

func TestExecutor_DoesNotFollowRedirects(t *testing.T) {
	s := newTestStore(t)
	internal := newReceiver(t)
	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, internal.URL, http.StatusTemporaryRedirect)
	}))
	t.Cleanup(redirector.Close)
	e, _ := newTestEngine(t, s, testConfig())

	d := createDest(t, s, "p1", redirector.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, http.StatusTemporaryRedirect, res.StatusCode)
	assert.Zero(t, internal.Hits())
}

func TestExecutor_MinIntervalGate(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	cfg := testConfig()
	cfg.MinInterval = 30 * time.Second
	e, _ := newTestEngine(t, s, cfg)

	d := createDest(t, s, "p1", rcv.URL, "")
	recent := time.Now().Add(-10 * time.Second)
	d.LastSentAt = &recent
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	assert.Equal(t, OutcomeTooSoon, e.Executor.Deliver(context.Background(), *d).Outcome)
	assert.Zero(t, rcv.Hits())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.DeliveriesTotal.WithLabelValues("too_soon")))
}

func TestExecutor_SingleInFlightPerDestination(t *testing.T) {
	s := newTestStore(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	e, _ := newTestEngine(t, s, testConfig())

	d := createDest(t, s, "p1", srv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")
	dest := reload(t, s, d.ID)

	var wg sync.WaitGroup
	var first Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = e.Executor.Deliver(context.Background(), dest)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery never reached the receiver")
	}
	assert.Equal(t, OutcomeInFlight, e.Executor.Deliver(context.Background(), dest).Outcome)

	close(release)
	wg.Wait()
	assert.Equal(t, OutcomeDelivered, first.Outcome)
}

func TestExecutor_TimeoutIsFailure(t *testing.T) {
	s := newTestStore(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	cfg := testConfig()
	cfg.DeliveryTimeout = 100 * time.Millisecond
	e, _ := newTestEngine(t, s, cfg)

	d := createDest(t, s, "p1", srv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	start := time.Now()
	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 1, reload(t, s, d.ID).ConsecutiveFailures)
}

func TestExecutor_ConditionFiltersEvents(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	e, _ := newTestEngine(t, s, testConfig())

	d := &store.Destination{
		ProjectID:  "p1",
		URL:        rcv.URL,
		Enabled:    true,
		EventTypes: []string{"memory.updated", "memory.created"},
		Condition:  `memoryKey startsWith "cfg/"`,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateDestination(context.Background(), d))
	addActivity(t, s, "p1", store.ActionMemoryWrite, "notes/x", "")
	addActivity(t, s, "p1", store.ActionMemoryDelete, "cfg/deleted", "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "cfg/y", "")

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	require.Equal(t, OutcomeDelivered, res.Outcome)
	body, _ := rcv.last()
	p := decodePayload(t, body)
	require.Len(t, p.Events, 1)
	assert.Equal(t, "cfg/y", p.Events[0].MemoryKey)
	assert.Equal(t, "memory.updated", p.Events[0].Type)
}

func TestExecutor_StaleSnapshotIsRegated(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	cfg := testConfig()
	cfg.MinInterval = 30 * time.Second
	e, _ := newTestEngine(t, s, cfg)
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "first", "")
	snapshot := reload(t, s, d.ID)

	// Another process delivers after the snapshot was taken.
	require.NoError(t, s.RecordSuccess(ctx, d.ID, time.Now().UTC()))
	addActivity(t, s, "p1", store.ActionMemoryWrite, "second", "")

	res := e.Executor.Deliver(ctx, snapshot)
	assert.Equal(t, OutcomeTooSoon, res.Outcome)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Zero(t, rcv.Hits())
}

func TestExecutor_SweepSnapshotAfterScheduledDelivery(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	cfg := testConfig()
	cfg.MinInterval = 30 * time.Second
	e, _ := newTestEngine(t, s, cfg)
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "first", "")
	snapshot := reload(t, s, d.ID)

	require.Equal(t, OutcomeDelivered, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)
	addActivity(t, s, "p1", store.ActionMemoryWrite, "second", "")

	assert.Equal(t, OutcomeTooSoon, e.Executor.Deliver(ctx, snapshot).Outcome)
	assert.Equal(t, 1, rcv.Hits())
}

func TestExecutor_SnapshotOfTrippedDestination(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	e, _ := newTestEngine(t, s, testConfig())
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")
	snapshot := reload(t, s, d.ID)
	for i := 0; i < 5; i++ {
		_, err := s.RecordFailure(ctx, d.ID, 5)
		require.NoError(t, err)
	}

	assert.Equal(t, OutcomeCircuitOpen, e.Executor.Deliver(ctx, snapshot).Outcome)
	assert.Zero(t, rcv.Hits())
}

func TestExecutor_FailedAttemptHoldsMinInterval(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	rcv.status.Store(http.StatusInternalServerError)
	cfg := testConfig()
	cfg.MinInterval = 30 * time.Second
	e, _ := newTestEngine(t, s, cfg)
	ctx := context.Background()

	d := createDest(t, s, "p1", rcv.URL, "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "k", "")

	require.Equal(t, OutcomeFailed, e.Executor.Deliver(ctx, reload(t, s, d.ID)).Outcome)
	got := reload(t, s, d.ID)
	require.Nil(t, got.LastSentAt)

	res := e.Executor.Deliver(ctx, got)
	assert.Equal(t, OutcomeTooSoon, res.Outcome)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, rcv.Hits())
	assert.Equal(t, 1, reload(t, s, d.ID).ConsecutiveFailures)
}

func TestExecutor_UnsubscribedEventsMakeNoCall(t *testing.T) {
	s := newTestStore(t)
	rcv := newReceiver(t)
	e, _ := newTestEngine(t, s, testConfig())

	d := &store.Destination{
		ProjectID:  "p1",
		URL:        rcv.URL,
		Enabled:    true,
		EventTypes: []string{"memory.deleted"},
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateDestination(context.Background(), d))
	addActivity(t, s, "p1", store.ActionMemoryWrite, "a", "")
	addActivity(t, s, "p1", store.ActionMemoryWrite, "b", `{"changeType":"created"}`)

	res := e.Executor.Deliver(context.Background(), reload(t, s, d.ID))
	assert.Equal(t, OutcomeNoEvents, res.Outcome)
	assert.Zero(t, rcv.Hits())

	got := reload(t, s, d.ID)
	assert.Nil(t, got.LastSentAt)
	assert.Zero(t, got.ConsecutiveFailures)
}
