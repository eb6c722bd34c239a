package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/events"
	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/signing"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxResponseBody caps how much of a receiver's response is read.
const maxResponseBody = 4 << 10

// Outcome classifies a delivery attempt.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFailed      Outcome = "failed"
	OutcomeNoEvents    Outcome = "no_events"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeTooSoon     Outcome = "too_soon"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeStoreError  Outcome = "store_error"
)

// Result describes one Deliver call.
type Result struct {
	Outcome    Outcome
	Events     int
	StatusCode int
	// RetryAfter is set on OutcomeTooSoon to the time left in the
	// minimum interval.
	RetryAfter time.Duration
}

// Deliverer delivers pending events to one destination.
type Deliverer interface {
	Deliver(ctx context.Context, dest store.Destination) Result
}

// Executor performs single delivery attempts. It never returns errors;
// failures are recorded on the destination and logged.
type Executor struct {
	store      store.Store
	cache      *Cache
	breaker    *Breaker
	conditions *events.Conditions
	metrics    *Metrics
	logger     *logging.Logger
	tracer     trace.Tracer
	client     *http.Client

	minInterval time.Duration
	timeout     time.Duration
	userAgent   string
	now         func() time.Time

	mu          sync.Mutex
	inFlight    map[string]struct{}
	lastAttempt map[string]time.Time
}

var _ Deliverer = (*Executor)(nil)

// newHTTPClient returns a client that never follows redirects, so a
// validated host cannot bounce a delivery to an internal address.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Deliver sends every event recorded for dest since its last successful
// delivery, if the destination is eligible. dest may be a stale copy; the
// row is reloaded before the eligibility checks that decide a POST.
func (e *Executor) Deliver(ctx context.Context, dest store.Destination) Result {
	now := e.now()
	ctx = logging.WithDestinationID(logging.WithProjectID(ctx, dest.ProjectID), dest.ID)

	if e.breaker.Open(&dest) {
		return e.finish(ctx, Result{Outcome: OutcomeCircuitOpen})
	}
	if wait := e.remaining(dest.LastSentAt, now); wait > 0 {
		return e.finish(ctx, Result{Outcome: OutcomeTooSoon, RetryAfter: wait})
	}
	if res, ok := e.acquire(dest.ID, now); !ok {
		return e.finish(ctx, res)
	}
	defer e.release(dest.ID)

	fresh, err := e.store.GetDestination(ctx, dest.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Debug(ctx, "webhook destination removed before delivery")
			return e.finish(ctx, Result{Outcome: OutcomeNoEvents})
		}
		e.logger.Warn(ctx, "failed to reload webhook destination", zap.Error(err))
		return e.finish(ctx, Result{Outcome: OutcomeStoreError})
	}
	if e.breaker.Open(fresh) {
		return e.finish(ctx, Result{Outcome: OutcomeCircuitOpen})
	}
	if wait := e.remaining(fresh.LastSentAt, now); wait > 0 {
		return e.finish(ctx, Result{Outcome: OutcomeTooSoon, RetryAfter: wait})
	}

	ctx, span := e.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("webhook.destination_id", dest.ID),
		attribute.String("webhook.project_id", dest.ProjectID),
	))
	defer span.End()

	res := e.deliver(ctx, fresh, now)

	span.SetAttributes(
		attribute.String("webhook.outcome", string(res.Outcome)),
		attribute.Int("webhook.events", res.Events),
	)
	if res.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	}
	switch res.Outcome {
	case OutcomeFailed, OutcomeStoreError:
		span.SetStatus(codes.Error, string(res.Outcome))
	default:
		span.SetStatus(codes.Ok, "")
	}
	return e.finish(ctx, res)
}

func (e *Executor) finish(ctx context.Context, res Result) Result {
	e.metrics.recordOutcome(res.Outcome)
	if res.Outcome == OutcomeDelivered {
		e.metrics.EventsDispatched.Add(float64(res.Events))
	}
	e.logger.Debug(ctx, "webhook delivery attempt finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("events", res.Events),
	)
	return res
}

func (e *Executor) deliver(ctx context.Context, dest *store.Destination, now time.Time) Result {
	since := dest.CreatedAt
	if dest.LastSentAt != nil {
		since = *dest.LastSentAt
	}
	until := now

	records, err := e.store.ListActivitySince(ctx, dest.ProjectID, since, until)
	if err != nil {
		e.logger.Warn(ctx, "failed to read activity for webhook delivery", zap.Error(err))
		return Result{Outcome: OutcomeStoreError}
	}

	descs := e.conditions.Build(dest, records)
	if len(descs) == 0 {
		return Result{Outcome: OutcomeNoEvents}
	}

	body, err := events.MarshalPayload(descs, now)
	if err != nil {
		e.logger.Error(ctx, "failed to encode webhook payload", zap.Error(err))
		return Result{Outcome: OutcomeStoreError}
	}

	e.markAttempt(dest.ID, now)
	status, postErr := e.post(ctx, dest, body)
	// Bookkeeping outlives a cancelled caller; the POST already happened.
	bctx := context.WithoutCancel(ctx)

	if postErr == nil && status >= 200 && status < 300 {
		if err := e.breaker.RecordSuccess(bctx, dest, until); err != nil {
			e.logger.Error(ctx, "failed to record webhook success", zap.Error(err))
		}
		e.cache.Invalidate(dest.ProjectID)
		e.logger.Info(ctx, "webhook delivered",
			logging.URL("url", dest.URL),
			zap.Int("status", status),
			zap.Int("events", len(descs)),
		)
		return Result{Outcome: OutcomeDelivered, Events: len(descs), StatusCode: status}
	}

	fields := []zap.Field{logging.URL("url", dest.URL), zap.Int("events", len(descs))}
	if postErr != nil {
		fields = append(fields, zap.Error(postErr))
	} else {
		fields = append(fields, zap.Int("status", status))
	}
	e.logger.Warn(ctx, "webhook delivery failed", fields...)

	if _, err := e.breaker.RecordFailure(bctx, dest); err != nil {
		e.logger.Error(ctx, "failed to record webhook failure", zap.Error(err))
	}
	e.cache.Invalidate(dest.ProjectID)
	return Result{Outcome: OutcomeFailed, Events: len(descs), StatusCode: status}
}

// post sends body to dest and returns the response status.
func (e *Executor) post(ctx context.Context, dest *store.Destination, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if dest.Secret.IsSet() {
		req.Header.Set(signing.Header, signing.Sign(body, dest.Secret.Value()))
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	e.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("http call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return resp.StatusCode, nil
}

// remaining returns how much of the minimum interval is left after last.
func (e *Executor) remaining(last *time.Time, now time.Time) time.Duration {
	if last == nil {
		return 0
	}
	return e.minInterval - now.Sub(*last)
}

// acquire claims the destination's delivery slot. Attempts are gated on the
// last POST from this executor as well as on last_sent_at, so a failed
// attempt also holds off the next one for minInterval.
func (e *Executor) acquire(id string, now time.Time) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return Result{Outcome: OutcomeInFlight}, false
	}
	if last, ok := e.lastAttempt[id]; ok {
		if wait := e.remaining(&last, now); wait > 0 {
			return Result{Outcome: OutcomeTooSoon, RetryAfter: wait}, false
		}
	}
	e.inFlight[id] = struct{}{}
	return Result{}, true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

// markAttempt records a POST start and drops entries that no longer gate.
func (e *Executor) markAttempt(id string, now time.Time) {
	if e.minInterval <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.lastAttempt {
		if now.Sub(t) >= e.minInterval {
			delete(e.lastAttempt, k)
		}
	}
	e.lastAttempt[id] = now
}
