// Package delivery implements the webhook delivery engine: a debounce
// scheduler that coalesces activity bursts, an executor that posts signed
// event batches, a circuit breaker over consecutive failures, and a sweeper
// that catches anything the scheduler missed.
//
// Delivery state lives entirely in storage. Each attempt recomputes its
// window from the destination's last_sent_at and the activity log, so a
// restart loses at most pending debounce timers, which the next sweep
// recovers.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/fyrsmithlabs/hookrelay/internal/events"
	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/hookrelay/internal/delivery"

// Config holds engine tuning. Zero values are replaced by defaults.
type Config struct {
	DebounceWindow   time.Duration
	MinInterval      time.Duration
	DeliveryTimeout  time.Duration
	FailureThreshold int
	CacheTTL         time.Duration
	CacheMaxEntries  int
	SweepInterval    time.Duration
	SweepConcurrency int
	UserAgent        string
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:   5 * time.Second,
		MinInterval:      30 * time.Second,
		DeliveryTimeout:  10 * time.Second,
		FailureThreshold: 5,
		CacheTTL:         30 * time.Second,
		CacheMaxEntries:  1024,
		SweepInterval:    5 * time.Minute,
		SweepConcurrency: 8,
		UserAgent:        "hookrelay",
	}
}

// ConfigFromSettings converts the file configuration.
func ConfigFromSettings(s config.WebhooksConfig, version string) Config {
	return Config{
		DebounceWindow:   s.DebounceWindow.Duration(),
		MinInterval:      s.MinInterval.Duration(),
		DeliveryTimeout:  s.DeliveryTimeout.Duration(),
		FailureThreshold: s.FailureThreshold,
		CacheTTL:         s.CacheTTL.Duration(),
		CacheMaxEntries:  s.CacheMaxEntries,
		SweepInterval:    s.SweepInterval.Duration(),
		SweepConcurrency: s.SweepConcurrency,
		UserAgent:        "hookrelay/" + version,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	// A zero MinInterval is a valid choice in tests; only negatives reset.
	if c.MinInterval < 0 {
		c.MinInterval = d.MinInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = d.CacheMaxEntries
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = d.SweepConcurrency
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

type options struct {
	logger     *logging.Logger
	tracer     trace.Tracer
	metrics    *Metrics
	registerer prometheus.Registerer
	client     *http.Client
	now        func() time.Time
}

// Option configures engine components.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMetrics shares an existing Metrics instance.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegisterer registers newly created metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithHTTPClient replaces the delivery client. Tests use it to reach
// httptest servers; callers are responsible for redirect policy.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithClock replaces time.Now for delivery windows and interval checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(o.registerer)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// NewExecutor creates a delivery executor.
func NewExecutor(s store.Store, cache *Cache, breaker *Breaker, cfg Config, opts ...Option) *Executor {
	o := newOptions(opts)
	cfg = cfg.withDefaults()
	client := o.client
	if client == nil {
		client = newHTTPClient(cfg.DeliveryTimeout)
	}
	return &Executor{
		store:       s,
		cache:       cache,
		breaker:     breaker,
		conditions:  events.NewConditions(),
		metrics:     o.metrics,
		logger:      o.logger.Named("executor"),
		tracer:      o.tracer,
		client:      client,
		minInterval: cfg.MinInterval,
		timeout:     cfg.DeliveryTimeout,
		userAgent:   cfg.UserAgent,
		now:         o.now,
		inFlight:    make(map[string]struct{}),
		lastAttempt: make(map[string]time.Time),
	}
}

// Engine wires the delivery components together.
type Engine struct {
	Cache     *Cache
	Breaker   *Breaker
	Executor  *Executor
	Scheduler *Scheduler
	Sweeper   *Sweeper
	Ticker    *SweepTicker
	Metrics   *Metrics

	store store.Store
}

// New builds an engine over s.
func New(s store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	cfg = cfg.withDefaults()
	o := newOptions(opts)
	shared := append(append([]Option{}, opts...), WithMetrics(o.metrics), WithLogger(o.logger), WithTracer(o.tracer), WithClock(o.now))

	cache := NewCache(s, cfg.CacheTTL, cfg.CacheMaxEntries, o.metrics)
	cache.now = o.now
	breaker := NewBreaker(s, cfg.FailureThreshold, o.metrics, o.logger.Named("breaker"))
	executor := NewExecutor(s, cache, breaker, cfg, shared...)
	sweeper := NewSweeper(s, breaker, executor, cfg, shared...)
	ticker, err := NewSweepTicker(sweeper, cfg.SweepInterval, o.logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		Cache:     cache,
		Breaker:   breaker,
		Executor:  executor,
		Scheduler: NewScheduler(cache, s, breaker, executor, cfg, shared...),
		Sweeper:   sweeper,
		Ticker:    ticker,
		Metrics:   o.metrics,
		store:     s,
	}, nil
}

// ScheduleDelivery is the inbound trigger: call it whenever a project's
// activity log gains a record. It never blocks on delivery.
func (e *Engine) ScheduleDelivery(projectID string) {
	e.Scheduler.ScheduleDelivery(projectID)
}

// SweepAll runs one safety-net sweep.
func (e *Engine) SweepAll(ctx context.Context) int {
	return e.Sweeper.SweepAll(ctx)
}

// Enable re-enables a circuit-broken destination and drops its project's
// cached configuration.
func (e *Engine) Enable(ctx context.Context, id string) error {
	d, err := e.store.GetDestination(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.Enable(ctx, id); err != nil {
		return err
	}
	e.Cache.Invalidate(d.ProjectID)
	return nil
}

// CreateDestination stores d and drops its project's cached configuration.
// Callers validate the URL first.
func (e *Engine) CreateDestination(ctx context.Context, d *store.Destination) error {
	if err := e.store.CreateDestination(ctx, d); err != nil {
		return err
	}
	e.Cache.Invalidate(d.ProjectID)
	return nil
}

// StartTicker starts the in-process periodic sweep.
func (e *Engine) StartTicker() error {
	return e.Ticker.Start()
}

// Stop halts periodic sweeps and pending timers, waiting for running work.
func (e *Engine) Stop() {
	_ = e.Ticker.Stop()
	e.Scheduler.Stop()
}
