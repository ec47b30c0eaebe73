// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/comsync/internal/logic"
)

// TopicPrefix is the root of every comsync topic.
const TopicPrefix = "motion/comsync"

// EventTopic returns the MQTT topic for line events of a node.
func EventTopic(node string) string {
	return TopicPrefix + "/" + node + "/events"
}

// SystemTopic returns the MQTT topic for system lifecycle events of a node.
func SystemTopic(node string) string {
	return TopicPrefix + "/" + node + "/system"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a line event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Comline ComlinePayload `json:"comline"`
}

// ComlinePayload contains the line event details.
type ComlinePayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Node      string `json:"node"`
	Role      string `json:"role"`
	Seq       uint64 `json:"seq"`
	Coalesced uint64 `json:"coalesced,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FormatPayload creates the JSON payload for a line event.
func FormatPayload(node string, event logic.Event) ([]byte, error) {
	payload := Payload{
		Comline: ComlinePayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
			Event:     string(event.Type),
			Node:      node,
			Role:      string(event.Role),
			Seq:       event.Seq,
			Coalesced: event.Coalesced,
			Error:     event.Error,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	inner := SystemPayloadInner{
		Event:  event.Event,
		Reason: event.Reason,
	}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}
