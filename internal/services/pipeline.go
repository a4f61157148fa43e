package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/metrics"
	"github.com/fleetplane/fleetplane/internal/models"
	"github.com/fleetplane/fleetplane/internal/schema"
	"github.com/fleetplane/fleetplane/internal/utils"
)

// Validator is the schema check applied before persistence.
type Validator interface {
	Validate(ev models.Event) error
}

// EventLog is the persistence half of the pipeline. Read backs the
// duplicate path: a replayed event_id answers with the record as it was
// originally stored, not the retry's envelope.
type EventLog interface {
	Append(ev models.Event) (int64, bool, error)
	Read(eventID string) (models.StoredEvent, error)
}

// ErrValidation wraps schema rejections so callers can map them to 400s.
var ErrValidation = errors.New("event validation failed")

// Pipeline is the single ingestion path: validate, persist, fan out.
// Every event in the system, whether from the HTTP surface or an
// internal engine, flows through Publish.
type Pipeline struct {
	validator Validator
	store     EventLog
	hub       *fanout.Hub
	logger    *slog.Logger
	latencies *utils.LatencyTracker
}

// NewPipeline wires the ingestion path.
func NewPipeline(validator Validator, store EventLog, hub *fanout.Hub, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		validator: validator,
		store:     store,
		hub:       hub,
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Publish validates and persists one event, then notifies subscribers.
// The bool reports whether the event was newly stored; a duplicate
// event_id returns the prior result idempotently. Fanout never blocks:
// a full subscriber queue disconnects that subscriber, not this call.
func (p *Pipeline) Publish(ctx context.Context, ev models.Event) (models.StoredEvent, bool, error) {
	start := time.Now()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.OccurredAt = utils.OrNow(ev.OccurredAt)

	if err := p.validator.Validate(ev); err != nil {
		metrics.ObservePublish(time.Since(start), metrics.OutcomeRejected)
		p.logger.Debug("event rejected",
			slog.String("event_type", ev.EventType), slog.Any("error", err))
		return models.StoredEvent{}, false, errors.Join(ErrValidation, err)
	}

	offset, stored, err := p.store.Append(ev)
	if err != nil {
		metrics.ObservePublish(time.Since(start), metrics.OutcomeError)
		p.logger.Error("event append failed",
			slog.String("event_id", ev.EventID), slog.Any("error", err))
		return models.StoredEvent{}, false, utils.NewAppError("pipeline.publish", "append event", err)
	}

	if !stored {
		metrics.ObservePublish(time.Since(start), metrics.OutcomeDuplicate)
		prior, readErr := p.store.Read(ev.EventID)
		if readErr != nil {
			// Append reported a duplicate, so the record has to exist.
			return models.StoredEvent{}, false,
				utils.NewAppError("pipeline.publish", "read duplicate event", readErr)
		}
		return prior, false, nil
	}

	result := models.StoredEvent{Offset: offset, Event: ev}
	p.hub.Publish(result)

	elapsed := time.Since(start)
	p.latencies.Observe(elapsed)
	metrics.ObservePublish(elapsed, metrics.OutcomeStored)
	return result, true, nil
}

// IsValidation reports whether err is a schema rejection, including the
// registry sentinels for handlers that inspect the cause.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, schema.ErrUnknownType) ||
		errors.Is(err, schema.ErrMissingField)
}

// LatencySnapshot exposes publish-path percentiles for the stats surface.
func (p *Pipeline) LatencySnapshot() map[string]time.Duration {
	return map[string]time.Duration{
		"p50": p.latencies.Percentile(50),
		"p95": p.latencies.Percentile(95),
		"p99": p.latencies.Percentile(99),
	}
}
