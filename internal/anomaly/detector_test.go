package anomaly

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/models"
)

type recordingAuditor struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingAuditor) Append(_, operation, _ string, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
	return nil
}

func (r *recordingAuditor) has(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.ops {
		if o == op {
			return true
		}
	}
	return false
}

func testDetector(audit Auditor) *Detector {
	return NewDetector(config.Default().Anomaly, audit, nil)
}

// seedBaseline spreads one failure into each of the 11 history buckets
// preceding now for the given endpoint.
func seedBaseline(d *Detector, endpoint string, now time.Time) {
	start := now.Truncate(bucketWidth).Add(-11 * bucketWidth)
	for i := 0; i < 11; i++ {
		d.RecordFailure(endpoint, "", start.Add(time.Duration(i)*bucketWidth))
	}
}

func TestEndpointSpikeRoundTrip(t *testing.T) {
	audit := &recordingAuditor{}
	d := testDetector(audit)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seedBaseline(d, "svc-a", now)
	for i := 0; i < 20; i++ {
		d.RecordFailure("svc-a", "", now)
	}

	d.Evaluate(now)

	current := d.Current()
	require.Len(t, current, 1, "exactly one incident for a 20x endpoint spike")
	incident := current[0]
	assert.Equal(t, models.IncidentEndpointSpike, incident.Type)
	assert.Equal(t, "endpoint:svc-a", incident.Scope)
	assert.Equal(t, models.IncidentActive, incident.Status)
	assert.InDelta(t, 20.0, incident.Current, 0.01)
	assert.InDelta(t, 1.0, incident.Baseline, 0.01)
	assert.True(t, audit.has("incident_opened"))

	// Traffic back to baseline: resolved after two calm ticks.
	d.Evaluate(now.Add(bucketWidth))
	require.Len(t, d.Current(), 1, "one calm tick must not resolve yet")
	d.Evaluate(now.Add(2 * bucketWidth))
	require.Empty(t, d.Current())

	closed, err := d.Get(incident.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, closed.Status)
	assert.False(t, closed.ClosedAt.IsZero())
	assert.True(t, audit.has("incident_resolved"))
}

func TestActiveIncidentUpdatedInPlace(t *testing.T) {
	d := testDetector(nil)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seedBaseline(d, "svc-a", now)
	for i := 0; i < 20; i++ {
		d.RecordFailure("svc-a", "", now)
	}
	d.Evaluate(now)

	// Still spiking on the next tick: same incident, refreshed counters.
	for i := 0; i < 10; i++ {
		d.RecordFailure("svc-a", "", now.Add(time.Second))
	}
	d.Evaluate(now.Add(2 * time.Second))

	current := d.Current()
	require.Len(t, current, 1)
	assert.InDelta(t, 30.0, current[0].Current, 0.01)
	assert.Len(t, d.All(), 1, "duplicate incident for same (scope, type) must be suppressed")
}

func TestBurstRequiresTrafficFloor(t *testing.T) {
	d := testDetector(nil)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	// Baseline of 1 per bucket is under the floor of 5: a 2x global
	// burst on near-zero traffic must stay quiet.
	seedBaseline(d, "", now)
	d.RecordFailure("", "", now)
	d.RecordFailure("", "", now)
	d.Evaluate(now)
	assert.Empty(t, d.Current())

	// Baseline of 10 per bucket clears the floor; 1.5x fires.
	d2 := testDetector(nil)
	start := now.Truncate(bucketWidth).Add(-11 * bucketWidth)
	for i := 0; i < 11; i++ {
		for j := 0; j < 10; j++ {
			d2.RecordFailure("", "", start.Add(time.Duration(i)*bucketWidth))
		}
	}
	for i := 0; i < 15; i++ {
		d2.RecordFailure("", "", now)
	}
	d2.Evaluate(now)

	current := d2.Current()
	require.Len(t, current, 1)
	assert.Equal(t, models.IncidentBurst, current[0].Type)
	assert.Equal(t, scopeGlobal, current[0].Scope)
}

func TestTenantSpike(t *testing.T) {
	d := testDetector(nil)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	start := now.Truncate(bucketWidth).Add(-11 * bucketWidth)
	for i := 0; i < 11; i++ {
		d.RecordFailure("", "tenant-7", start.Add(time.Duration(i)*bucketWidth))
	}
	for i := 0; i < 6; i++ {
		d.RecordFailure("", "tenant-7", now)
	}
	d.Evaluate(now)

	var tenantIncidents []models.Incident
	for _, incident := range d.Current() {
		if incident.Type == models.IncidentTenantSpike {
			tenantIncidents = append(tenantIncidents, incident)
		}
	}
	require.Len(t, tenantIncidents, 1)
	assert.Equal(t, "tenant:tenant-7", tenantIncidents[0].Scope)
}

func TestDismissClosesIncident(t *testing.T) {
	audit := &recordingAuditor{}
	d := testDetector(audit)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seedBaseline(d, "svc-a", now)
	for i := 0; i < 20; i++ {
		d.RecordFailure("svc-a", "", now)
	}
	d.Evaluate(now)
	incident := d.Current()[0]

	dismissed, err := d.Dismiss(incident.IncidentID, "alice", "known deploy")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentDismissed, dismissed.Status)
	assert.Equal(t, "known deploy", dismissed.Note)
	assert.Empty(t, d.Current())
	assert.True(t, audit.has("incident_dismissed"))

	_, err = d.Dismiss(incident.IncidentID, "alice", "")
	assert.ErrorIs(t, err, ErrIncidentClosed)

	_, err = d.Dismiss("no-such-id", "alice", "")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestConsumeCountsFailureEvents(t *testing.T) {
	d := testDetector(nil)
	now := time.Now().UTC()

	payload, _ := json.Marshal(map[string]string{"endpoint": "svc-a"})
	d.consume(models.Event{
		EventType:  models.EventTypeDeliveryFailed,
		Source:     "relay",
		TenantID:   "tenant-1",
		OccurredAt: now,
		Payload:    payload,
	})

	health, _ := json.Marshal(models.HealthChangePayload{
		TargetID: "svc-b",
		OldState: models.HealthDegraded,
		NewState: models.HealthDown,
	})
	d.consume(models.Event{
		EventType:  models.EventTypeHealthChanged,
		Source:     "health-monitor",
		OccurredAt: now,
		Payload:    health,
	})

	w := d.window("endpoint:svc-a")
	current, _ := w.ring.sample(now)
	assert.InDelta(t, 1.0, current, 0.01)

	w = d.window("endpoint:svc-b")
	current, _ = w.ring.sample(now)
	assert.InDelta(t, 1.0, current, 0.01)

	w = d.window("tenant:tenant-1")
	current, _ = w.ring.sample(now)
	assert.InDelta(t, 1.0, current, 0.01)
}

func TestRingEvictsOldBuckets(t *testing.T) {
	r := &ring{}
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	r.add(base, 5)

	// One hour later the old bucket has aged out entirely.
	current, baseline := r.sample(base.Add(time.Hour + bucketWidth))
	assert.Zero(t, current)
	assert.Zero(t, baseline)
}
