// Package events carries meter output from the packet loop to consumers
// over a bounded, non-blocking bus.
package events

import "time"

// EventType represents the type of event published through the Bus.
type EventType string

const (
	// Meter output
	EventSnapshot        EventType = "snapshot"
	EventSessionArchived EventType = "session_archived"

	// Identity transitions
	EventIdentity     EventType = "identity"
	EventZoneChanged  EventType = "zone_changed"
	EventSelfResolved EventType = "self_resolved"

	// Lifecycle
	EventCaptureEnded EventType = "capture_ended"
	EventShutdown     EventType = "shutdown"
)

// Event represents a single event in the system. Payloads are immutable
// values; subscribers must not modify them.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ZoneChangedPayload is published when the identity layer reports a new
// zone key.
type ZoneChangedPayload struct {
	Previous      string    `json:"previous"`
	Current       string    `json:"current"`
	Authoritative bool      `json:"authoritative"`
	Timestamp     time.Time `json:"timestamp"`
}

// SelfResolvedPayload is published when the primary self id changes.
type SelfResolvedPayload struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureEndedPayload is published when a finite source is exhausted.
type CaptureEndedPayload struct {
	Packets uint64 `json:"packets"`
	Err     string `json:"error,omitempty"`
}
