package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/fyrsmithlabs/hookrelay/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

// receiver is an httptest webhook endpoint that records every request.
type receiver struct {
	*httptest.Server

	status atomic.Int32
	hits   atomic.Int32

	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	hitTimes []time.Time
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.hitTimes = append(r.hitTimes, time.Now())
		r.mu.Unlock()
		r.hits.Add(1)
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) Hits() int { return int(r.hits.Load()) }

func (r *receiver) last() ([]byte, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.bodies)
	return r.bodies[n-1], r.headers[n-1]
}

func (r *receiver) times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.hitTimes...)
}

type sentPayload struct {
	Events []struct {
		Type      string `json:"type"`
		MemoryKey string `json:"memoryKey"`
		CreatedAt string `json:"createdAt"`
	} `json:"events"`
	Timestamp string `json:"timestamp"`
}

func decodePayload(t *testing.T, body []byte) sentPayload {
	t.Helper()
	var p sentPayload
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func createDest(t *testing.T, s store.Store, project, url, secret string) *store.Destination {
	t.Helper()
	d := &store.Destination{
		ProjectID: project,
		URL:       url,
		Secret:    config.Secret(secret),
		Enabled:   true,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateDestination(context.Background(), d))
	return d
}

func addActivity(t *testing.T, s store.Store, project, action, key string, details string) {
	t.Helper()
	rec := &store.ActivityRecord{ProjectID: project, Action: action, MemoryKey: key}
	if details != "" {
		rec.Details = []byte(details)
	}
	require.NoError(t, s.AppendActivity(context.Background(), rec))
}

func reload(t *testing.T, s store.Store, id string) store.Destination {
	t.Helper()
	d, err := s.GetDestination(context.Background(), id)
	require.NoError(t, err)
	return *d
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	cfg.DebounceWindow = 50 * time.Millisecond
	cfg.DeliveryTimeout = 2 * time.Second
	cfg.UserAgent = "hookrelay/test"
	return cfg
}

func newTestEngine(t *testing.T, s store.Store, cfg Config, opts ...Option) (*Engine, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	all := append([]Option{WithLogger(logger.Logger)}, opts...)
	e, err := New(s, cfg, all...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, logger
}

// fakeDeliverer records calls and optionally blocks or panics. Calls
// return script entries in order, then result.
type fakeDeliverer struct {
	script  []Result
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	block   chan struct{}
	entered chan struct{}
	panics  atomic.Bool
	result  Result
}

func (f *fakeDeliverer) Deliver(ctx context.Context, dest store.Destination) Result {
	call := int(f.calls.Add(1))
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panics.Load() {
		panic("deliverer exploded")
	}
	if call <= len(f.script) {
		return f.script[call-1]
	}
	return f.result
}
