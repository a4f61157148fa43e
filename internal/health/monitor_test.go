package health

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/models"
)

type scriptedProber struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
}

func (p *scriptedProber) Probe(_ context.Context, _ config.TargetConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.outcomes) {
		return nil
	}
	err := p.outcomes[p.calls]
	p.calls++
	return err
}

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *captureSink) Publish(_ context.Context, ev models.Event) (models.StoredEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return models.StoredEvent{Event: ev}, true, nil
}

func (s *captureSink) all() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func testConfig(downAfter int) *config.Config {
	return &config.Config{
		Health: config.HealthConfig{
			Interval:  time.Minute,
			Timeout:   time.Second,
			DownAfter: downAfter,
			Targets: []config.TargetConfig{
				{ID: "api", URL: "http://api.internal/healthz"},
			},
		},
	}
}

func driveMonitor(t *testing.T, cfg *config.Config, outcomes []error, sink EventSink) *Monitor {
	t.Helper()
	prober := &scriptedProber{outcomes: outcomes}
	m := NewMonitor(cfg, prober, sink, nil, nil)

	target := cfg.Health.Targets[0]
	state := &targetState{
		record: models.HealthRecord{TargetID: target.ID, State: models.HealthOK},
		cancel: func() {},
	}
	m.targets[target.ID] = state

	for range outcomes {
		m.pollOnce(context.Background(), target, state)
	}
	return m
}

func TestTransitionTable(t *testing.T) {
	fail := errors.New("probe failed")
	cases := []struct {
		name     string
		outcomes []error
		want     models.HealthState
		failures int
	}{
		{"all ok stays ok", []error{nil, nil, nil}, models.HealthOK, 0},
		{"one failure degrades", []error{nil, fail}, models.HealthDegraded, 1},
		{"ok fail fail is down at threshold 2", []error{nil, fail, fail}, models.HealthDown, 2},
		{"success recovers directly to ok", []error{fail, fail, nil}, models.HealthOK, 0},
		{"down stays down while failing", []error{fail, fail, fail, fail}, models.HealthDown, 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := driveMonitor(t, testConfig(2), tc.outcomes, nil)
			rec, ok := m.Record("api")
			if !ok {
				t.Fatalf("record missing")
			}
			if rec.State != tc.want {
				t.Fatalf("state = %s, want %s", rec.State, tc.want)
			}
			if rec.ConsecutiveFailures != tc.failures {
				t.Fatalf("failures = %d, want %d", rec.ConsecutiveFailures, tc.failures)
			}
		})
	}
}

func TestTransitionsEmitEvents(t *testing.T) {
	fail := errors.New("connection refused")
	sink := &captureSink{}
	driveMonitor(t, testConfig(2), []error{nil, fail, fail, nil}, sink)

	events := sink.all()
	// ok->degraded, degraded->down, down->ok.
	if len(events) != 3 {
		t.Fatalf("expected 3 transition events, got %d", len(events))
	}
	var payload models.HealthChangePayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OldState != models.HealthDegraded || payload.NewState != models.HealthDown {
		t.Fatalf("unexpected transition %s -> %s", payload.OldState, payload.NewState)
	}
	if events[1].EventType != models.EventTypeHealthChanged {
		t.Fatalf("unexpected event type %s", events[1].EventType)
	}
	if events[1].Severity != models.SeverityCritical {
		t.Fatalf("down transition should be critical, got %s", events[1].Severity)
	}
}

func TestStaleResultDropped(t *testing.T) {
	cfg := testConfig(2)
	sink := &captureSink{}
	m := NewMonitor(cfg, &scriptedProber{}, sink, nil, nil)
	target := cfg.Health.Targets[0]
	state := &targetState{
		record: models.HealthRecord{TargetID: target.ID, State: models.HealthOK},
		cancel: func() {},
	}
	m.targets[target.ID] = state

	// Newer tick applies first; the older tick's failure must not
	// overwrite the state the engine already advanced past.
	m.applyResult(context.Background(), target, state, 2, nil)
	m.applyResult(context.Background(), target, state, 1, errors.New("late timeout"))

	rec, _ := m.Record("api")
	if rec.State != models.HealthOK {
		t.Fatalf("stale result applied, state %s", rec.State)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("stale result emitted events")
	}
}

func TestPerTargetTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig(1)
	cfg.Health.Timeout = 10 * time.Millisecond

	blocker := proberFunc(func(ctx context.Context, _ config.TargetConfig) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := NewMonitor(cfg, blocker, nil, nil, nil)
	target := cfg.Health.Targets[0]
	state := &targetState{
		record: models.HealthRecord{TargetID: target.ID, State: models.HealthOK},
		cancel: func() {},
	}
	m.targets[target.ID] = state

	m.pollOnce(context.Background(), target, state)
	rec, _ := m.Record("api")
	if rec.State != models.HealthDown {
		t.Fatalf("timeout should count as failure, state %s", rec.State)
	}
}

type proberFunc func(ctx context.Context, target config.TargetConfig) error

func (f proberFunc) Probe(ctx context.Context, target config.TargetConfig) error {
	return f(ctx, target)
}
