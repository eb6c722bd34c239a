// Package store defines persistence for webhook destinations and the
// project activity log. Implementations live in the sqlite and postgres
// subpackages; factory.NewFromDSN selects one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
)

var (
	// ErrNotFound is returned when a destination id does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidDestination is returned when a destination fails basic checks.
	ErrInvalidDestination = errors.New("store: invalid destination")
)

// Activity actions that can produce webhook events.
const (
	ActionMemoryWrite  = "memory_write"
	ActionMemoryDelete = "memory_delete"
)

// Destination is a tenant-configured webhook endpoint.
//
// Enabled is cleared by RecordFailure in the same statement that pushes
// ConsecutiveFailures to the threshold, and only set again by Enable.
type Destination struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"projectId"`
	URL                 string        `json:"url"`
	Secret              config.Secret `json:"secret,omitempty"`
	EventTypes          []string      `json:"eventTypes"`
	Condition           string        `json:"condition,omitempty"`
	Enabled             bool          `json:"enabled"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSentAt          *time.Time    `json:"lastSentAt,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// ActivityRecord is one append-only row of the project activity log.
// Details is the raw JSON metadata, or nil.
type ActivityRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Action    string    `json:"action"`
	MemoryKey string    `json:"memoryKey"`
	Details   []byte    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FailureResult is the destination state after RecordFailure.
type FailureResult struct {
	ConsecutiveFailures int
	Enabled             bool
}

// Store persists destinations and reads the activity log.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	CreateDestination(ctx context.Context, d *Destination) error
	GetDestination(ctx context.Context, id string) (*Destination, error)
	// ListActiveDestinations returns the enabled destinations of one project.
	ListActiveDestinations(ctx context.Context, projectID string) ([]Destination, error)
	// ListEnabledDestinations returns every enabled destination.
	ListEnabledDestinations(ctx context.Context) ([]Destination, error)

	// RecordSuccess sets last_sent_at and resets the failure counter.
	RecordSuccess(ctx context.Context, id string, sentAt time.Time) error
	// RecordFailure increments the failure counter and disables the
	// destination once it reaches threshold, atomically.
	RecordFailure(ctx context.Context, id string, threshold int) (FailureResult, error)
	// Enable re-enables a destination and resets its failure counter.
	Enable(ctx context.Context, id string) error

	AppendActivity(ctx context.Context, rec *ActivityRecord) error
	// ListActivitySince returns memory_write and memory_delete records with
	// since < created_at <= until, oldest first.
	ListActivitySince(ctx context.Context, projectID string, since, until time.Time) ([]ActivityRecord, error)
}
