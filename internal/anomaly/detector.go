package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/metrics"
	"github.com/fleetplane/fleetplane/internal/models"
)

const (
	bucketWidth = 5 * time.Minute
	ringBuckets = 12 // one hour of 5m buckets

	scopeGlobal = "global"
)

// ErrIncidentNotFound is returned when an incident id is unknown.
var ErrIncidentNotFound = errors.New("anomaly: incident not found")

// ErrIncidentClosed is returned when annotating a non-active incident.
var ErrIncidentClosed = errors.New("anomaly: incident not active")

// Auditor records incident lifecycle decisions.
type Auditor interface {
	Append(actor, operation, target string, metadata map[string]string) error
}

// ring is an hour of failure counts in five-minute buckets. The head
// bucket is the current five minutes; the other eleven feed the baseline.
type ring struct {
	counts [ringBuckets]float64
	head   int
	start  time.Time
}

func (r *ring) advance(now time.Time) {
	aligned := now.Truncate(bucketWidth)
	if r.start.IsZero() {
		r.start = aligned
		return
	}
	steps := int(aligned.Sub(r.start) / bucketWidth)
	if steps <= 0 {
		return
	}
	if steps >= ringBuckets {
		*r = ring{start: aligned}
		return
	}
	for i := 0; i < steps; i++ {
		r.head = (r.head + 1) % ringBuckets
		r.counts[r.head] = 0
	}
	r.start = aligned
}

func (r *ring) add(now time.Time, n float64) {
	r.advance(now)
	r.counts[r.head] += n
}

// sample returns the current five-minute count and the average count per
// five-minute bucket over the rest of the hour.
func (r *ring) sample(now time.Time) (current, baseline float64) {
	r.advance(now)
	var sum float64
	for i, c := range r.counts {
		if i != r.head {
			sum += c
		}
	}
	return r.counts[r.head], sum / float64(ringBuckets-1)
}

// scopeWindow carries its own lock so unrelated scopes never contend.
type scopeWindow struct {
	mu   sync.Mutex
	ring ring
}

// Detector maintains per-scope sliding failure counters and raises one
// active incident per (scope, type) when the current rate deviates from
// baseline past the configured factor.
type Detector struct {
	cfg    config.AnomalyConfig
	audit  Auditor
	logger *slog.Logger

	winMu   sync.RWMutex
	windows map[string]*scopeWindow

	incMu     sync.Mutex
	active    map[string]*models.Incident // keyed by scope+"|"+type
	calm      map[string]int              // consecutive under-threshold ticks
	incidents map[string]*models.Incident // all, keyed by id

	wg sync.WaitGroup
}

// NewDetector builds a detector; auditor may be nil.
func NewDetector(cfg config.AnomalyConfig, auditor Auditor, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:       cfg,
		audit:     auditor,
		logger:    logger,
		windows:   make(map[string]*scopeWindow),
		active:    make(map[string]*models.Incident),
		calm:      make(map[string]int),
		incidents: make(map[string]*models.Incident),
	}
}

// RecordFailure counts one failure against the global, endpoint, and
// tenant windows. Empty endpoint/tenant scopes are skipped.
func (d *Detector) RecordFailure(endpoint, tenant string, at time.Time) {
	d.bump(scopeGlobal, at)
	if endpoint != "" {
		d.bump("endpoint:"+endpoint, at)
	}
	if tenant != "" {
		d.bump("tenant:"+tenant, at)
	}
}

func (d *Detector) bump(scope string, at time.Time) {
	w := d.window(scope)
	w.mu.Lock()
	w.ring.add(at, 1)
	w.mu.Unlock()
}

func (d *Detector) window(scope string) *scopeWindow {
	d.winMu.RLock()
	w, ok := d.windows[scope]
	d.winMu.RUnlock()
	if ok {
		return w
	}
	d.winMu.Lock()
	defer d.winMu.Unlock()
	if w, ok = d.windows[scope]; ok {
		return w
	}
	w = &scopeWindow{}
	d.windows[scope] = w
	return w
}

// Run starts the detection ticker and the fanout consume loop. Either
// may be used alone: pass a nil subscription to only tick, or call
// Evaluate directly from tests.
func (d *Detector) Run(ctx context.Context, sub *fanout.Subscription) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				d.Evaluate(now.UTC())
			}
		}
	}()

	if sub == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case stored, ok := <-sub.Events():
				if !ok {
					return
				}
				d.consume(stored.Event)
			}
		}
	}()
}

// Wait blocks until Run's goroutines have exited.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// consume maps failure-class events onto the counters. Delivery failures
// carry the endpoint in their payload; health and autoheal failures count
// against the target as endpoint scope.
func (d *Detector) consume(ev models.Event) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch ev.EventType {
	case models.EventTypeDeliveryFailed:
		var payload struct {
			Endpoint string `json:"endpoint"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		endpoint := payload.Endpoint
		if endpoint == "" {
			endpoint = ev.Source
		}
		d.RecordFailure(endpoint, ev.TenantID, at)
	case models.EventTypeAutohealFailed:
		var payload models.AutohealPayload
		_ = json.Unmarshal(ev.Payload, &payload)
		d.RecordFailure(payload.TargetID, ev.TenantID, at)
	case models.EventTypeHealthChanged:
		var payload models.HealthChangePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		if payload.NewState == models.HealthDown {
			d.RecordFailure(payload.TargetID, ev.TenantID, at)
		}
	}
}

// Evaluate runs one detection pass over every known scope.
func (d *Detector) Evaluate(now time.Time) {
	d.winMu.RLock()
	scopes := make([]string, 0, len(d.windows))
	for scope := range d.windows {
		scopes = append(scopes, scope)
	}
	d.winMu.RUnlock()
	sort.Strings(scopes)

	for _, scope := range scopes {
		w := d.window(scope)
		w.mu.Lock()
		current, baseline := w.ring.sample(now)
		w.mu.Unlock()

		incidentType, factor := d.rule(scope)
		fired := d.crossed(incidentType, current, baseline, factor)
		d.apply(scope, incidentType, current, baseline, fired, now)
	}
	d.publishGauges()
}

func (d *Detector) rule(scope string) (models.IncidentType, float64) {
	switch {
	case scope == scopeGlobal:
		return models.IncidentBurst, d.cfg.BurstFactor
	case strings.HasPrefix(scope, "tenant:"):
		return models.IncidentTenantSpike, d.cfg.TenantFactor
	default:
		return models.IncidentEndpointSpike, d.cfg.EndpointFactor
	}
}

// crossed applies the threshold. The traffic floor guards the low-factor
// burst rule against near-zero noise; the spike rules only need a
// non-zero baseline.
func (d *Detector) crossed(incidentType models.IncidentType, current, baseline, factor float64) bool {
	if baseline <= 0 {
		return false
	}
	if incidentType == models.IncidentBurst && baseline <= d.cfg.TrafficFloor {
		return false
	}
	return current >= factor*baseline
}

func (d *Detector) apply(scope string, incidentType models.IncidentType, current, baseline float64, fired bool, now time.Time) {
	key := scope + "|" + string(incidentType)

	d.incMu.Lock()
	defer d.incMu.Unlock()

	existing := d.active[key]

	if fired {
		d.calm[key] = 0
		if existing != nil {
			existing.Current = current
			existing.Baseline = baseline
			return
		}
		incident := &models.Incident{
			IncidentID: uuid.NewString(),
			Scope:      scope,
			Type:       incidentType,
			Baseline:   baseline,
			Current:    current,
			OpenedAt:   now,
			Status:     models.IncidentActive,
		}
		d.active[key] = incident
		d.incidents[incident.IncidentID] = incident
		d.logger.Warn("incident opened",
			slog.String("incident_id", incident.IncidentID),
			slog.String("scope", scope),
			slog.String("type", string(incidentType)),
			slog.Float64("current", current),
			slog.Float64("baseline", baseline))
		d.auditAppend("detector", "incident_opened", scope, map[string]string{
			"incident_id": incident.IncidentID,
			"type":        string(incidentType),
		})
		return
	}

	if existing == nil {
		return
	}
	d.calm[key]++
	if d.calm[key] < d.cfg.ResolveTicks {
		return
	}
	existing.Status = models.IncidentResolved
	existing.ClosedAt = now
	delete(d.active, key)
	delete(d.calm, key)
	d.logger.Info("incident resolved",
		slog.String("incident_id", existing.IncidentID),
		slog.String("scope", scope))
	d.auditAppend("detector", "incident_resolved", scope, map[string]string{
		"incident_id": existing.IncidentID,
	})
}

// Dismiss closes an active incident on operator action.
func (d *Detector) Dismiss(incidentID, operator, note string) (models.Incident, error) {
	d.incMu.Lock()
	defer d.incMu.Unlock()

	incident, ok := d.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrIncidentNotFound
	}
	if incident.Status != models.IncidentActive {
		return models.Incident{}, ErrIncidentClosed
	}
	incident.Status = models.IncidentDismissed
	incident.ClosedAt = time.Now().UTC()
	incident.Note = note
	delete(d.active, incident.Scope+"|"+string(incident.Type))
	delete(d.calm, incident.Scope+"|"+string(incident.Type))

	d.auditAppend(operator, "incident_dismissed", incident.Scope, map[string]string{
		"incident_id": incidentID,
	})
	d.publishGaugesLocked()
	return *incident, nil
}

// Annotate attaches an operator note to an incident without closing it.
func (d *Detector) Annotate(incidentID, operator, note string) (models.Incident, error) {
	d.incMu.Lock()
	defer d.incMu.Unlock()

	incident, ok := d.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrIncidentNotFound
	}
	incident.Note = note
	d.auditAppend(operator, "incident_annotated", incident.Scope, map[string]string{
		"incident_id": incidentID,
	})
	return *incident, nil
}

// Get returns one incident by id.
func (d *Detector) Get(incidentID string) (models.Incident, error) {
	d.incMu.Lock()
	defer d.incMu.Unlock()
	incident, ok := d.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrIncidentNotFound
	}
	return *incident, nil
}

// Current lists active incidents, newest first.
func (d *Detector) Current() []models.Incident {
	d.incMu.Lock()
	defer d.incMu.Unlock()
	out := make([]models.Incident, 0, len(d.active))
	for _, incident := range d.active {
		out = append(out, *incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// All lists every incident the detector has raised, newest first.
func (d *Detector) All() []models.Incident {
	d.incMu.Lock()
	defer d.incMu.Unlock()
	out := make([]models.Incident, 0, len(d.incidents))
	for _, incident := range d.incidents {
		out = append(out, *incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

func (d *Detector) publishGauges() {
	d.incMu.Lock()
	defer d.incMu.Unlock()
	d.publishGaugesLocked()
}

func (d *Detector) publishGaugesLocked() {
	byType := map[models.IncidentType]int{
		models.IncidentBurst:         0,
		models.IncidentEndpointSpike: 0,
		models.IncidentTenantSpike:   0,
	}
	for _, incident := range d.active {
		byType[incident.Type]++
	}
	for incidentType, count := range byType {
		metrics.SetActiveIncidents(string(incidentType), count)
	}
}

func (d *Detector) auditAppend(actor, operation, target string, metadata map[string]string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(actor, operation, target, metadata); err != nil {
		d.logger.Warn("audit append failed", slog.Any("error", err))
	}
}
