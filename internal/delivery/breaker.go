package delivery

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"go.uber.org/zap"
)

// Breaker tracks consecutive delivery failures per destination and disables
// a destination once it reaches the threshold. There is no half-open state;
// only store.Enable closes the circuit again.
type Breaker struct {
	store     store.Store
	threshold int
	metrics   *Metrics
	logger    *logging.Logger
}

// NewBreaker creates a breaker that trips after threshold consecutive failures.
func NewBreaker(s store.Store, threshold int, metrics *Metrics, logger *logging.Logger) *Breaker {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Breaker{store: s, threshold: threshold, metrics: metrics, logger: logger}
}

// Threshold returns the configured failure threshold.
func (b *Breaker) Threshold() int { return b.threshold }

// Open reports whether deliveries to d are suspended.
func (b *Breaker) Open(d *store.Destination) bool {
	return !d.Enabled || d.ConsecutiveFailures >= b.threshold
}

// RecordSuccess marks d delivered up to sentAt and resets its failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, d *store.Destination, sentAt time.Time) error {
	return b.store.RecordSuccess(ctx, d.ID, sentAt)
}

// RecordFailure counts a failed delivery to d. The transition that reaches
// the threshold logs a warning and bumps hookrelay_circuit_opened_total.
func (b *Breaker) RecordFailure(ctx context.Context, d *store.Destination) (store.FailureResult, error) {
	res, err := b.store.RecordFailure(ctx, d.ID, b.threshold)
	if err != nil {
		return res, err
	}
	if !res.Enabled && res.ConsecutiveFailures == b.threshold {
		b.metrics.CircuitOpened.Inc()
		b.logger.Warn(ctx, "webhook destination disabled after consecutive failures",
			zap.String("destination_id", d.ID),
			zap.String("project_id", d.ProjectID),
			logging.URL("url", d.URL),
			zap.Int("consecutive_failures", res.ConsecutiveFailures),
		)
	}
	return res, nil
}
