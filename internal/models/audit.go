package models

import "time"

// AuditEntry is one immutable decision record. Entries are appended in
// monotonic time order and rotated once the hot log hits its cap.
type AuditEntry struct {
	TS        time.Time         `json:"ts"`
	Actor     string            `json:"actor"`
	Operation string            `json:"operation"`
	Target    string            `json:"target"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
