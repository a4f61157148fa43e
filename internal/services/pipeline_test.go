package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/models"
	"github.com/fleetplane/fleetplane/internal/schema"
)

type eventLogStub struct {
	offset int64
	seen   map[string]models.StoredEvent
	err    error
}

func (a *eventLogStub) Append(ev models.Event) (int64, bool, error) {
	if a.err != nil {
		return 0, false, a.err
	}
	if a.seen == nil {
		a.seen = make(map[string]models.StoredEvent)
	}
	if prior, ok := a.seen[ev.EventID]; ok {
		return prior.Offset, false, nil
	}
	off := a.offset
	a.offset++
	a.seen[ev.EventID] = models.StoredEvent{Offset: off, Event: ev}
	return off, true, nil
}

func (a *eventLogStub) Read(eventID string) (models.StoredEvent, error) {
	if prior, ok := a.seen[eventID]; ok {
		return prior, nil
	}
	return models.StoredEvent{}, errors.New("not found")
}

func testPipeline(t *testing.T, store EventLog) (*Pipeline, *fanout.Hub) {
	t.Helper()
	registry, err := schema.NewRegistry("", true, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	hub := fanout.NewHub(16, nil, nil)
	return NewPipeline(registry, store, hub, nil), hub
}

func validEvent() models.Event {
	payload, _ := json.Marshal(models.HealthChangePayload{
		TargetID: "svc-a",
		OldState: models.HealthOK,
		NewState: models.HealthDown,
		At:       time.Now().UTC(),
	})
	return models.Event{
		EventType: models.EventTypeHealthChanged,
		Source:    "health-monitor",
		Payload:   payload,
	}
}

func TestPublishFillsDefaultsAndFansOut(t *testing.T) {
	pipeline, hub := testPipeline(t, &eventLogStub{})
	sub, err := hub.Subscribe("test", 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stored, created, err := pipeline.Publish(context.Background(), validEvent())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !created {
		t.Fatal("first publish must store")
	}
	if stored.Event.EventID == "" {
		t.Fatal("event_id must be server-generated when absent")
	}
	if stored.Event.OccurredAt.IsZero() {
		t.Fatal("occurred_at must be server-generated when absent")
	}

	select {
	case got := <-sub.Events():
		if got.Event.EventID != stored.Event.EventID {
			t.Fatalf("fanout delivered %q, want %q", got.Event.EventID, stored.Event.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("fanout delivery timed out")
	}
}

func TestPublishDuplicateIsIdempotent(t *testing.T) {
	pipeline, hub := testPipeline(t, &eventLogStub{})
	sub, _ := hub.Subscribe("test", 4)

	ev := validEvent()
	ev.EventID = "fixed-id"
	ev.OccurredAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	first, created, err := pipeline.Publish(context.Background(), ev)
	if err != nil || !created {
		t.Fatalf("first publish: created=%v err=%v", created, err)
	}

	// The retry arrives with a blank occurred_at; defaulting must not
	// leak into the response, which echoes the record as first stored.
	retry := ev
	retry.OccurredAt = time.Time{}
	second, created, err := pipeline.Publish(context.Background(), retry)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if created {
		t.Fatal("duplicate must not report stored")
	}
	if second.Offset != first.Offset {
		t.Fatalf("duplicate offset = %d, want original %d", second.Offset, first.Offset)
	}
	if !second.Event.OccurredAt.Equal(first.Event.OccurredAt) {
		t.Fatalf("duplicate returned occurred_at %v, want original %v",
			second.Event.OccurredAt, first.Event.OccurredAt)
	}

	// Only the first publish reaches subscribers.
	<-sub.Events()
	select {
	case extra := <-sub.Events():
		t.Fatalf("duplicate was fanned out: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	pipeline, _ := testPipeline(t, &eventLogStub{})

	ev := validEvent()
	ev.Source = ""
	_, _, err := pipeline.Publish(context.Background(), ev)
	if err == nil {
		t.Fatal("missing source must be rejected")
	}
	if !IsValidation(err) {
		t.Fatalf("error not classified as validation: %v", err)
	}
}

func TestPublishSurfacesAppendFailure(t *testing.T) {
	pipeline, _ := testPipeline(t, &eventLogStub{err: errors.New("disk full")})

	_, _, err := pipeline.Publish(context.Background(), validEvent())
	if err == nil {
		t.Fatal("append failure must surface")
	}
	if IsValidation(err) {
		t.Fatalf("persistence failure misclassified as validation: %v", err)
	}
}
