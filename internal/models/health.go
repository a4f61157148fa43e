package models

import "time"

// HealthState enumerates the per-target health states.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// HealthRecord is the current health of one monitored target. It is
// superseded on every poll tick, never deleted.
type HealthRecord struct {
	TargetID            string      `json:"target_id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCheckedAt       time.Time   `json:"last_checked_at"`
	LastError           string      `json:"last_error,omitempty"`
}

// CooldownEntry throttles remediation for one target. Exactly one entry
// exists per target; it resets once the cooldown window elapses or an
// operator clears it.
type CooldownEntry struct {
	TargetID            string    `json:"target_id"`
	LastActionAt        time.Time `json:"last_action_at"`
	ActionCountInWindow int       `json:"action_count_in_window"`
}

// HealAction records one remediation attempt for the history surface.
type HealAction struct {
	TargetID string    `json:"target_id"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
	Reason   string    `json:"reason,omitempty"`
}
