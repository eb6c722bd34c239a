// Package storetest holds the behavioral contract every store.Store
// implementation must satisfy. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, schema-initialized store.
type Factory func(t *testing.T) store.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("FailureThreshold", func(t *testing.T) { testFailureThreshold(t, newStore(t)) })
	t.Run("SuccessResets", func(t *testing.T) { testSuccessResets(t, newStore(t)) })
	t.Run("Enable", func(t *testing.T) { testEnable(t, newStore(t)) })
	t.Run("ActivityWindow", func(t *testing.T) { testActivityWindow(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func newDest(project string) *store.Destination {
	return &store.Destination{
		ProjectID:  project,
		URL:        "https://hooks.example.com/" + project,
		Secret:     config.Secret("whsec_" + project),
		EventTypes: []string{"memory.created"},
		Condition:  `memoryKey startsWith "cfg/"`,
		Enabled:    true,
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDest("p1")
	require.NoError(t, s.CreateDestination(ctx, d))
	require.NotEmpty(t, d.ID)

	got, err := s.GetDestination(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, d.URL, got.URL)
	assert.Equal(t, "whsec_p1", got.Secret.Value())
	assert.Equal(t, []string{"memory.created"}, got.EventTypes)
	assert.Equal(t, d.Condition, got.Condition)
	assert.True(t, got.Enabled)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Nil(t, got.LastSentAt)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Millisecond)

	noFilter := &store.Destination{ProjectID: "p1", URL: "https://all.example.com", Enabled: true}
	require.NoError(t, s.CreateDestination(ctx, noFilter))
	got, err = s.GetDestination(ctx, noFilter.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EventTypes)
	assert.False(t, got.Secret.IsSet())

	assert.ErrorIs(t, s.CreateDestination(ctx, &store.Destination{URL: "https://x.example.com"}), store.ErrInvalidDestination)
}

func testListActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, other := newDest("p1"), newDest("p1"), newDest("p2")
	disabled := newDest("p1")
	disabled.Enabled = false
	for _, d := range []*store.Destination{a, b, other, disabled} {
		require.NoError(t, s.CreateDestination(ctx, d))
	}

	active, err := s.ListActiveDestinations(ctx, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(active))

	all, err := s.ListEnabledDestinations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID, other.ID}, ids(all))

	none, err := s.ListActiveDestinations(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testFailureThreshold(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDest("p1")
	require.NoError(t, s.CreateDestination(ctx, d))

	for i := 1; i <= 4; i++ {
		res, err := s.RecordFailure(ctx, d.ID, 5)
		require.NoError(t, err)
		assert.Equal(t, i, res.ConsecutiveFailures)
		assert.True(t, res.Enabled, "still enabled after %d failures", i)
	}

	res, err := s.RecordFailure(ctx, d.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ConsecutiveFailures)
	assert.False(t, res.Enabled)

	got, err := s.GetDestination(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 5, got.ConsecutiveFailures)

	active, err := s.ListActiveDestinations(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testSuccessResets(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDest("p1")
	require.NoError(t, s.CreateDestination(ctx, d))

	for i := 0; i < 3; i++ {
		_, err := s.RecordFailure(ctx, d.ID, 5)
		require.NoError(t, err)
	}

	sentAt := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	require.NoError(t, s.RecordSuccess(ctx, d.ID, sentAt))

	got, err := s.GetDestination(ctx, d.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	require.NotNil(t, got.LastSentAt)
	assert.True(t, sentAt.Equal(*got.LastSentAt), "got %v", got.LastSentAt)
}

func testEnable(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDest("p1")
	require.NoError(t, s.CreateDestination(ctx, d))
	for i := 0; i < 5; i++ {
		_, err := s.RecordFailure(ctx, d.ID, 5)
		require.NoError(t, err)
	}

	require.NoError(t, s.Enable(ctx, d.ID))

	got, err := s.GetDestination(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Zero(t, got.ConsecutiveFailures)
}

func testActivityWindow(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	add := func(project, action, key string, offset time.Duration, details []byte) {
		require.NoError(t, s.AppendActivity(ctx, &store.ActivityRecord{
			ProjectID: project, Action: action, MemoryKey: key,
			Details: details, CreatedAt: base.Add(offset),
		}))
	}
	add("p1", store.ActionMemoryWrite, "at-since", 0, nil)
	add("p1", store.ActionMemoryWrite, "k1", time.Second, []byte(`{"changeType":"created"}`))
	add("p1", "memory_read", "ignored", 2*time.Second, nil)
	add("p1", store.ActionMemoryDelete, "k2", 3*time.Second, nil)
	add("p2", store.ActionMemoryWrite, "other-project", 3*time.Second, nil)
	add("p1", store.ActionMemoryWrite, "at-until", 4*time.Second, nil)
	add("p1", store.ActionMemoryWrite, "after-until", 5*time.Second, nil)

	recs, err := s.ListActivitySince(ctx, "p1", base, base.Add(4*time.Second))
	require.NoError(t, err)

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.MemoryKey
	}
	assert.Equal(t, []string{"k1", "k2", "at-until"}, keys)
	assert.JSONEq(t, `{"changeType":"created"}`, string(recs[0].Details))
	assert.Nil(t, recs[1].Details)
	assert.True(t, base.Add(time.Second).Equal(recs[0].CreatedAt))
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetDestination(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.RecordFailure(ctx, "nope", 5)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.RecordSuccess(ctx, "nope", time.Now()), store.ErrNotFound)
	assert.ErrorIs(t, s.Enable(ctx, "nope"), store.ErrNotFound)
}

func ids(ds []store.Destination) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
