package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeStored labels events accepted and persisted.
	OutcomeStored = "stored"
	// OutcomeDuplicate labels idempotent replays of a known event_id.
	OutcomeDuplicate = "duplicate"
	// OutcomeRejected labels events that failed schema validation.
	OutcomeRejected = "rejected"
	// OutcomeError labels events lost to a persistence fault.
	OutcomeError = "error"
)

var (
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetplane",
			Name:      "events_published_total",
			Help:      "Total publish calls handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	publishDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleetplane",
			Name:      "publish_seconds",
			Help:      "Publish pipeline latency (validate + append + fanout) in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	fanoutDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetplane",
			Name:      "fanout_drops_total",
			Help:      "Subscribers disconnected for not keeping up, partitioned by subscriber.",
		},
		[]string{"subscriber"},
	)

	healthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetplane",
			Name:      "health_transitions_total",
			Help:      "Health state transitions observed, partitioned by new state.",
		},
		[]string{"state"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetplane",
			Name:      "remediations_total",
			Help:      "Remediation attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	activeIncidents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetplane",
			Name:      "active_incidents",
			Help:      "Currently active anomaly incidents, partitioned by type.",
		},
		[]string{"type"},
	)

	auditRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetplane",
			Name:      "audit_rotations_total",
			Help:      "Audit hot-log rotations to cold storage.",
		},
	)
)

// Register attaches fleetplane collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsPublishedTotal,
		publishDurationSeconds,
		fanoutDropsTotal,
		healthTransitionsTotal,
		remediationsTotal,
		activeIncidents,
		auditRotationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePublish records one publish pipeline pass.
func ObservePublish(duration time.Duration, outcome string) {
	eventsPublishedTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	publishDurationSeconds.Observe(duration.Seconds())
}

// FanoutDropped counts a slow-consumer disconnect.
func FanoutDropped(subscriber string) {
	fanoutDropsTotal.WithLabelValues(subscriber).Inc()
}

// HealthTransition counts one state transition.
func HealthTransition(newState string) {
	healthTransitionsTotal.WithLabelValues(newState).Inc()
}

// Remediation counts one remediation attempt by outcome.
func Remediation(outcome string) {
	remediationsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveIncidents publishes the active incident count for one type.
func SetActiveIncidents(incidentType string, count int) {
	activeIncidents.WithLabelValues(incidentType).Set(float64(count))
}

// AuditRotated counts one hot-log rotation.
func AuditRotated() {
	auditRotationsTotal.Inc()
}
