package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sweeper is the safety net for triggers that never arrived: it offers every
// enabled destination to the executor, whose gate decides whether anything
// is sent.
type Sweeper struct {
	store       store.Store
	breaker     *Breaker
	executor    Deliverer
	metrics     *Metrics
	logger      *logging.Logger
	concurrency int

	running atomic.Bool
}

// NewSweeper creates a sweeper that runs at most concurrency deliveries at once.
func NewSweeper(s store.Store, breaker *Breaker, executor Deliverer, cfg Config, opts ...Option) *Sweeper {
	o := newOptions(opts)
	n := cfg.SweepConcurrency
	if n < 1 {
		n = 1
	}
	return &Sweeper{
		store:       s,
		breaker:     breaker,
		executor:    executor,
		metrics:     o.metrics,
		logger:      o.logger.Named("sweeper"),
		concurrency: n,
	}
}

// SweepAll delivers pending events for all enabled destinations and returns
// the number of events carried by successful deliveries. Destinations are
// read from storage, not the cache. A call made while another sweep is
// running returns 0 without doing anything.
func (s *Sweeper) SweepAll(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug(ctx, "sweep already running, skipping")
		s.metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return 0
	}
	defer s.running.Store(false)

	start := time.Now()
	dests, err := s.store.ListEnabledDestinations(ctx)
	if err != nil {
		s.logger.Warn(ctx, "sweep failed to list destinations", zap.Error(err))
		s.metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return 0
	}

	var total, attempted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, d := range dests {
		if s.breaker.Open(&d) {
			continue
		}
		dest := d
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error(gctx, "sweep delivery panicked, continuing",
						zap.String("destination_id", dest.ID),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
				}
			}()
			attempted.Add(1)
			res := s.executor.Deliver(gctx, dest)
			if res.Outcome == OutcomeDelivered {
				total.Add(int64(res.Events))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SweepRunsTotal.WithLabelValues("completed").Inc()
	s.logger.Info(ctx, "sweep completed",
		zap.Int("destinations", len(dests)),
		zap.Int64("attempted", attempted.Load()),
		zap.Int64("events", total.Load()),
		zap.Duration("duration", time.Since(start)),
	)
	return int(total.Load())
}
