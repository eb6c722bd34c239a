// Package trigger feeds activity notifications from NATS into the delivery
// engine.
//
// Producers publish to the configured subject (default hookrelay.activity)
// after appending to a project's activity log:
//
//	{"projectId": "p1"}
//
// Subscribers join a queue group, so each notification reaches one engine
// instance. A lost notification only delays delivery until the next sweep.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Defaults for subject and queue group.
const (
	DefaultSubject = "hookrelay.activity"
	DefaultQueue   = "hookrelay"
)

// ErrInvalidNotification is returned when a message cannot be decoded.
var ErrInvalidNotification = errors.New("invalid activity notification")

// Scheduler receives decoded notifications.
type Scheduler interface {
	ScheduleDelivery(projectID string)
}

// Notification is the message body.
type Notification struct {
	ProjectID string `json:"projectId"`
}

// Decode parses a notification body.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	n.ProjectID = strings.TrimSpace(n.ProjectID)
	if n.ProjectID == "" {
		return n, fmt.Errorf("%w: missing projectId", ErrInvalidNotification)
	}
	return n, nil
}

// Connect dials NATS with reconnect settings suited to a long-running service.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("hookrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subscriber consumes notifications and schedules deliveries.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	queue   string
	target  Scheduler
	logger  *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription

	received atomic.Int64
	dropped  atomic.Int64
}

// NewSubscriber creates a subscriber. Empty subject or queue use the defaults.
func NewSubscriber(nc *nats.Conn, subject, queue string, target Scheduler, logger *zap.Logger) (*Subscriber, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if target == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &Subscriber{
		nc:      nc,
		subject: subject,
		queue:   queue,
		target:  target,
		logger:  logger.Named("trigger"),
	}, nil
}

// Start joins the queue group.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return fmt.Errorf("subscriber already started")
	}

	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	// Round-trip so the interest is registered before Start returns.
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.sub = sub

	s.logger.Info("listening for activity notifications",
		zap.String("subject", s.subject),
		zap.String("queue", s.queue),
	)
	return nil
}

// Stop drains the subscription, letting queued messages finish.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

// Stats returns the number of handled and dropped messages.
func (s *Subscriber) Stats() (received, dropped int64) {
	return s.received.Load(), s.dropped.Load()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	n, err := Decode(msg.Data)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("dropping malformed activity notification",
			zap.String("subject", msg.Subject),
			zap.Int("size", len(msg.Data)),
			zap.Error(err),
		)
		return
	}
	s.received.Add(1)
	s.target.ScheduleDelivery(n.ProjectID)
}

// Publisher sends notifications. Producers and the CLI use it.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a publisher for subject (default hookrelay.activity).
func NewPublisher(nc *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject}
}

// Notify publishes a notification for projectID.
func (p *Publisher) Notify(projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return fmt.Errorf("%w: missing projectId", ErrInvalidNotification)
	}
	data, err := json.Marshal(Notification{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
