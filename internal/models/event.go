package models

import "time"

// Inbound callback actions as sent by ConnectWise
const (
	ActionAdded   = "added"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// InboundEvent is a change notification received on the webhook endpoint.
// Transient: validated, acted on, never persisted
type InboundEvent struct {
	Action     string `json:"Action"`
	EntityType string `json:"Type"`
	RemoteID   int64  `json:"ID"`
}

// Change operations reported to post-write hooks and the broker
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

// ChangeEvent is the message published after a committed local write.
// It carries a full snapshot so downstream consumers never need to query us
type ChangeEvent struct {
	EventID    string         `json:"event_id"`
	EntityType EntityType     `json:"entity_type"`
	RemoteID   int64          `json:"remote_id"`
	Operation  string         `json:"operation"`
	OccurredAt time.Time      `json:"occurred_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}
