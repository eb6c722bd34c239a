package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/logging"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"go.uber.org/zap"
)

type pendingTimer struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler coalesces bursts of activity into one delivery per destination.
//
// Each destination has at most one pending timer. Scheduling again cancels
// and replaces it, restarting the debounce window. When a timer fires the
// destination is reloaded and, if deliveries started less than minInterval
// ago, the timer is re-armed for the remainder instead of dropping the batch.
// A fire that the executor turns away (in flight or too soon) is re-armed
// the same way.
type Scheduler struct {
	cache    *Cache
	store    store.Store
	breaker  *Breaker
	executor Deliverer
	logger   *logging.Logger
	now      func() time.Time

	debounce    time.Duration
	minInterval time.Duration

	mu           sync.Mutex
	timers       map[string]*pendingTimer
	lastDispatch map[string]time.Time
	gen          uint64
	stopped      bool
	wg           sync.WaitGroup
}

// NewScheduler creates a debounce scheduler.
func NewScheduler(cache *Cache, s store.Store, breaker *Breaker, executor Deliverer, cfg Config, opts ...Option) *Scheduler {
	o := newOptions(opts)
	return &Scheduler{
		cache:        cache,
		store:        s,
		breaker:      breaker,
		executor:     executor,
		logger:       o.logger.Named("scheduler"),
		now:          o.now,
		debounce:     cfg.DebounceWindow,
		minInterval:  cfg.MinInterval,
		timers:       make(map[string]*pendingTimer),
		lastDispatch: make(map[string]time.Time),
	}
}

// ScheduleDelivery debounces a delivery for every active destination of the
// project. It returns immediately and never reports errors.
func (s *Scheduler) ScheduleDelivery(projectID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("schedule")

		ctx := logging.WithProjectID(context.Background(), projectID)
		dests, err := s.cache.GetActiveDestinations(ctx, projectID)
		if err != nil {
			s.logger.Warn(ctx, "failed to load webhook destinations", zap.Error(err))
			return
		}
		for _, d := range dests {
			s.arm(d.ID, s.debounce)
		}
	}()
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers, rejects further scheduling and waits for
// running callbacks, including any in-flight delivery, to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, p := range s.timers {
		if p.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// arm cancels any pending timer for id and starts a new one.
func (s *Scheduler) arm(id string, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if p, ok := s.timers[id]; ok && p.timer.Stop() {
		s.wg.Done()
	}
	s.gen++
	gen := s.gen
	s.wg.Add(1)
	s.timers[id] = &pendingTimer{
		gen:   gen,
		timer: time.AfterFunc(wait, func() { s.fire(id, gen) }),
	}
}

func (s *Scheduler) fire(id string, gen uint64) {
	defer s.wg.Done()
	defer s.recoverPanic("fire")

	s.mu.Lock()
	p, ok := s.timers[id]
	if !ok || p.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	ctx := logging.WithDestinationID(context.Background(), id)
	dest, err := s.store.GetDestination(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug(ctx, "webhook destination removed before delivery")
		} else {
			s.logger.Warn(ctx, "failed to reload webhook destination", zap.Error(err))
		}
		return
	}
	if s.breaker.Open(dest) {
		s.logger.Debug(ctx, "webhook destination circuit open, skipping delivery")
		return
	}

	now := s.now()
	s.mu.Lock()
	s.pruneDispatch(now)
	prev, hadPrev := s.lastDispatch[id]
	last := prev
	if dest.LastSentAt != nil && dest.LastSentAt.After(last) {
		last = *dest.LastSentAt
	}
	if !last.IsZero() && now.Sub(last) < s.minInterval {
		s.mu.Unlock()
		wait := s.minInterval - now.Sub(last)
		s.logger.Debug(ctx, "webhook delivery rescheduled for minimum interval", zap.Duration("wait", wait))
		s.arm(id, wait)
		return
	}
	s.lastDispatch[id] = now
	s.mu.Unlock()

	res := s.executor.Deliver(ctx, *dest)
	switch res.Outcome {
	case OutcomeInFlight, OutcomeTooSoon:
		// Nothing was sent; the batch stays pending.
		s.mu.Lock()
		if s.lastDispatch[id].Equal(now) {
			if hadPrev {
				s.lastDispatch[id] = prev
			} else {
				delete(s.lastDispatch, id)
			}
		}
		s.mu.Unlock()

		wait := s.debounce
		if res.RetryAfter > wait {
			wait = res.RetryAfter
		}
		s.logger.Debug(ctx, "webhook delivery deferred, rescheduling",
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("wait", wait),
		)
		s.arm(id, wait)
	}
}

// pruneDispatch drops dispatch times that can no longer hold a delivery
// back. Callers hold s.mu.
func (s *Scheduler) pruneDispatch(now time.Time) {
	for k, t := range s.lastDispatch {
		if now.Sub(t) >= s.minInterval {
			delete(s.lastDispatch, k)
		}
	}
}

func (s *Scheduler) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.logger.Error(context.Background(), "webhook scheduler panicked, recovering",
			zap.String("where", where),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
