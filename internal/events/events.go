// Package events turns project activity records into webhook event
// descriptors and serializes the delivery payload.
package events

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/store"
)

// Type is a webhook event type.
type Type string

const (
	MemoryCreated Type = "memory.created"
	MemoryUpdated Type = "memory.updated"
	MemoryDeleted Type = "memory.deleted"
)

// AllTypes lists every event type a destination can subscribe to.
var AllTypes = []Type{MemoryCreated, MemoryUpdated, MemoryDeleted}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case MemoryCreated, MemoryUpdated, MemoryDeleted:
		return true
	}
	return false
}

// Descriptor is one event in a delivery payload.
type Descriptor struct {
	Type      Type
	MemoryKey string
	CreatedAt time.Time
}

type writeDetails struct {
	ChangeType string `json:"changeType"`
}

// MapActivityToEvent maps an activity action to its event type. Actions other
// than memory_write and memory_delete report false.
func MapActivityToEvent(action string, details []byte) (Type, bool) {
	switch action {
	case store.ActionMemoryDelete:
		return MemoryDeleted, true
	case store.ActionMemoryWrite:
		var d writeDetails
		if len(details) > 0 && json.Unmarshal(details, &d) == nil && d.ChangeType == "created" {
			return MemoryCreated, true
		}
		return MemoryUpdated, true
	default:
		return "", false
	}
}

// Subscribed reports whether a destination with the given event type filter
// receives t. An empty filter receives everything.
func Subscribed(eventTypes []string, t Type) bool {
	if len(eventTypes) == 0 {
		return true
	}
	for _, et := range eventTypes {
		if Type(et) == t {
			return true
		}
	}
	return false
}

// Build applies mapping, the destination's subscription filter and its
// condition to records, preserving their order.
func Build(dest *store.Destination, records []store.ActivityRecord) []Descriptor {
	return defaultConditions.Build(dest, records)
}

// Build is the package Build with this condition cache.
func (c *Conditions) Build(dest *store.Destination, records []store.ActivityRecord) []Descriptor {
	var out []Descriptor
	for _, r := range records {
		t, ok := MapActivityToEvent(r.Action, r.Details)
		if !ok || !Subscribed(dest.EventTypes, t) {
			continue
		}
		d := Descriptor{Type: t, MemoryKey: r.MemoryKey, CreatedAt: r.CreatedAt}
		if !c.Match(dest.Condition, dest.ProjectID, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

type payloadEvent struct {
	Type      Type   `json:"type"`
	MemoryKey string `json:"memoryKey"`
	CreatedAt string `json:"createdAt"`
}

type payload struct {
	Events    []payloadEvent `json:"events"`
	Timestamp string         `json:"timestamp"`
}

// MarshalPayload encodes the delivery body. Timestamps are RFC 3339 in UTC.
func MarshalPayload(descs []Descriptor, now time.Time) ([]byte, error) {
	p := payload{
		Events:    make([]payloadEvent, len(descs)),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	for i, d := range descs {
		p.Events[i] = payloadEvent{
			Type:      d.Type,
			MemoryKey: d.MemoryKey,
			CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return json.Marshal(p)
}
