package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/metrics"
	"github.com/fleetplane/fleetplane/internal/models"
)

// Prober checks one target's health endpoint. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, target config.TargetConfig) error
}

// EventSink is where health-change events are published (the validate,
// store, fanout pipeline).
type EventSink interface {
	Publish(ctx context.Context, ev models.Event) (models.StoredEvent, bool, error)
}

// Auditor records monitor decisions.
type Auditor interface {
	Append(actor, operation, target string, metadata map[string]string) error
}

// HTTPProber probes targets with a GET request; any 2xx within the
// per-poll timeout counts as healthy.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber builds the default prober. The per-poll timeout comes
// from the poll context, not the client.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{}}
}

func (p *HTTPProber) Probe(ctx context.Context, target config.TargetConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}

type targetState struct {
	mu         sync.Mutex
	record     models.HealthRecord
	appliedSeq uint64
	nextSeq    uint64
	cancel     context.CancelFunc
}

// Monitor polls every registered target on its own interval and tracks
// ok/degraded/down transitions. Each target runs in its own failure
// domain: a poll error or panic in one loop never affects another.
type Monitor struct {
	cfg    *config.Config
	prober Prober
	sink   EventSink
	audit  Auditor
	logger *slog.Logger

	mu      sync.RWMutex
	targets map[string]*targetState
	wg      sync.WaitGroup
}

// NewMonitor constructs a monitor over the configured targets.
func NewMonitor(cfg *config.Config, prober Prober, sink EventSink, auditor Auditor, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if prober == nil {
		prober = NewHTTPProber()
	}
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		sink:    sink,
		audit:   auditor,
		logger:  logger,
		targets: make(map[string]*targetState),
	}
}

// Start launches one polling loop per target. Loops stop when ctx is
// cancelled; Stop waits for them.
func (m *Monitor) Start(ctx context.Context) {
	for _, target := range m.cfg.Health.Targets {
		m.startTarget(ctx, target)
	}
}

func (m *Monitor) startTarget(ctx context.Context, target config.TargetConfig) {
	targetCtx, cancel := context.WithCancel(ctx)
	state := &targetState{
		record: models.HealthRecord{TargetID: target.ID, State: models.HealthOK},
		cancel: cancel,
	}

	m.mu.Lock()
	if _, exists := m.targets[target.ID]; exists {
		m.mu.Unlock()
		cancel()
		m.logger.Warn("duplicate target ignored", slog.String("target", target.ID))
		return
	}
	m.targets[target.ID] = state
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop(targetCtx, target, state)
}

// Stop cancels every poll loop and waits for them to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for _, state := range m.targets {
		state.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context, target config.TargetConfig, state *targetState) {
	defer m.wg.Done()

	interval := m.cfg.PollInterval(target)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.pollOnce(ctx, target, state)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, target, state)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, target config.TargetConfig, state *targetState) {
	state.mu.Lock()
	state.nextSeq++
	seq := state.nextSeq
	state.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout(target))
	err := m.prober.Probe(probeCtx, target)
	cancel()

	if ctx.Err() != nil {
		// Shutdown mid-poll: abandon the result rather than apply a
		// partial transition.
		return
	}
	m.applyResult(ctx, target, state, seq, err)
}

func (m *Monitor) applyResult(ctx context.Context, target config.TargetConfig, state *targetState, seq uint64, pollErr error) {
	state.mu.Lock()
	if seq <= state.appliedSeq {
		// A result from an older tick may not overwrite newer state.
		state.mu.Unlock()
		return
	}
	state.appliedSeq = seq

	old := state.record.State
	state.record.LastCheckedAt = time.Now().UTC()
	if pollErr == nil {
		state.record.ConsecutiveFailures = 0
		state.record.LastError = ""
		state.record.State = models.HealthOK
	} else {
		state.record.ConsecutiveFailures++
		state.record.LastError = pollErr.Error()
		switch {
		case state.record.ConsecutiveFailures >= m.cfg.DownThreshold(target):
			state.record.State = models.HealthDown
		default:
			state.record.State = models.HealthDegraded
		}
	}
	newState := state.record.State
	at := state.record.LastCheckedAt
	state.mu.Unlock()

	if old == newState {
		return
	}

	m.logger.Info("health transition",
		slog.String("target", target.ID),
		slog.String("old", string(old)),
		slog.String("new", string(newState)))

	m.emitTransition(ctx, target, old, newState, at)
}

func (m *Monitor) emitTransition(ctx context.Context, target config.TargetConfig, oldState, newState models.HealthState, at time.Time) {
	metrics.HealthTransition(string(newState))
	if m.audit != nil {
		if err := m.audit.Append("health-monitor", "state_transition", target.ID, map[string]string{
			"old_state": string(oldState),
			"new_state": string(newState),
		}); err != nil {
			m.logger.Warn("audit append failed", slog.Any("error", err))
		}
	}

	if m.sink == nil {
		return
	}
	payload, err := json.Marshal(models.HealthChangePayload{
		TargetID: target.ID,
		OldState: oldState,
		NewState: newState,
		At:       at,
	})
	if err != nil {
		m.logger.Error("encode health payload", slog.Any("error", err))
		return
	}
	ev := models.Event{
		EventType:  models.EventTypeHealthChanged,
		Source:     "health-monitor",
		TenantID:   target.TenantID,
		Severity:   severityFor(newState),
		OccurredAt: at,
		Payload:    payload,
	}
	if _, _, err := m.sink.Publish(ctx, ev); err != nil {
		// Publish failure is not fatal to the monitor; the next
		// transition will be reported on its own tick.
		m.logger.Error("publish health event failed",
			slog.String("target", target.ID), slog.Any("error", err))
	}
}

func severityFor(state models.HealthState) models.Severity {
	switch state {
	case models.HealthDown:
		return models.SeverityCritical
	case models.HealthDegraded:
		return models.SeverityHigh
	default:
		return models.SeverityLow
	}
}

// Snapshot returns the current health record for every target, sorted by
// target id.
func (m *Monitor) Snapshot() []models.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HealthRecord, 0, len(m.targets))
	for _, state := range m.targets {
		state.mu.Lock()
		out = append(out, state.record)
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// Record returns the health record for one target.
func (m *Monitor) Record(targetID string) (models.HealthRecord, bool) {
	m.mu.RLock()
	state, ok := m.targets[targetID]
	m.mu.RUnlock()
	if !ok {
		return models.HealthRecord{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.record, true
}
