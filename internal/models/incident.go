package models

import "time"

// IncidentType enumerates the anomaly classes the detector raises.
type IncidentType string

const (
	IncidentBurst         IncidentType = "burst"
	IncidentEndpointSpike IncidentType = "endpoint_spike"
	IncidentTenantSpike   IncidentType = "tenant_spike"
)

// IncidentStatus tracks the incident lifecycle.
type IncidentStatus string

const (
	IncidentActive    IncidentStatus = "active"
	IncidentResolved  IncidentStatus = "resolved"
	IncidentDismissed IncidentStatus = "dismissed"
)

// Incident is an active or closed failure-rate anomaly for one scope.
// At most one active instance exists per (scope, type).
type Incident struct {
	IncidentID string         `json:"incident_id"`
	Scope      string         `json:"scope"`
	Type       IncidentType   `json:"type"`
	Baseline   float64        `json:"baseline"`
	Current    float64        `json:"current"`
	OpenedAt   time.Time      `json:"opened_at"`
	ClosedAt   time.Time      `json:"closed_at"`
	Status     IncidentStatus `json:"status"`
	Note       string         `json:"note,omitempty"`
}

// TriageCategory enumerates failure classifications.
type TriageCategory string

const (
	TriageTransient   TriageCategory = "transient"
	TriagePermanent   TriageCategory = "permanent"
	TriageRateLimited TriageCategory = "rate_limited"
	TriageUnknown     TriageCategory = "unknown"
)

// TriageResult classifies one failure. Derived on demand, not persisted.
type TriageResult struct {
	SubjectID  string         `json:"subject_id"`
	Category   TriageCategory `json:"category"`
	Confidence int            `json:"confidence"`
	Reason     string         `json:"reason"`
	Retryable  bool           `json:"retryable"`
}

// FailureRecord is the input to triage classification.
type FailureRecord struct {
	SubjectID  string            `json:"subject_id"`
	StatusCode int               `json:"status_code"`
	ErrorText  string            `json:"error_text"`
	Headers    map[string]string `json:"headers,omitempty"`
}
