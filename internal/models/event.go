package models

import (
	"encoding/json"
	"time"
)

// Event is a validated fact emitted by a producer. Once stored it is
// immutable; the payload stays opaque at this layer and is only decoded
// by consumers that know the event type's shape.
type Event struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Source     string          `json:"source"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Severity   Severity        `json:"severity,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// StoredEvent pairs an event with its store offset.
type StoredEvent struct {
	Offset int64 `json:"offset"`
	Event  Event `json:"event"`
}

// EventSchema is the contract for one event type. Evolution is strictly
// additive; breaking changes require a new event type. Fields added by
// evolution land in OptionalFields so events published before the
// evolution keep validating.
type EventSchema struct {
	EventType      string   `yaml:"event_type" json:"event_type"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
	OptionalFields []string `yaml:"optional_fields,omitempty" json:"optional_fields,omitempty"`
	Description    string   `yaml:"description" json:"description"`
	MinVersion     int      `yaml:"min_version" json:"min_version"`
}

// Severity captures impact levels on the event envelope.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Well-known event types emitted by the control plane itself.
const (
	EventTypeHealthChanged     = "health.state_changed"
	EventTypeAutohealAttempted = "autoheal.attempted"
	EventTypeAutohealSucceeded = "autoheal.succeeded"
	EventTypeAutohealFailed    = "autoheal.failed"
	EventTypeDeliveryFailed    = "delivery.failed"
)

// HealthChangePayload is the typed projection of a health.state_changed event.
type HealthChangePayload struct {
	TargetID string      `json:"target_id"`
	OldState HealthState `json:"old_state"`
	NewState HealthState `json:"new_state"`
	At       time.Time   `json:"at"`
}

// AutohealPayload is the typed projection of autoheal.* events.
type AutohealPayload struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason,omitempty"`
	Attempt  int    `json:"attempt"`
}
