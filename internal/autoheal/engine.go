package autoheal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetplane/fleetplane/internal/cache"
	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/metrics"
	"github.com/fleetplane/fleetplane/internal/models"
)

// Restarter is the injected external remediation capability.
type Restarter interface {
	Restart(ctx context.Context, targetID string) error
}

// EventSink is where autoheal outcome events are published.
type EventSink interface {
	Publish(ctx context.Context, ev models.Event) (models.StoredEvent, bool, error)
}

// Auditor records remediation decisions.
type Auditor interface {
	Append(actor, operation, target string, metadata map[string]string) error
}

const actor = "autoheal"

// Stats aggregates remediation outcomes for the status surface.
type Stats struct {
	Attempts  int            `json:"attempts"`
	Successes int            `json:"successes"`
	Failures  int            `json:"failures"`
	Skipped   int            `json:"skipped_cooldown"`
	PerTarget map[string]int `json:"per_target"`
}

// Engine consumes health-change events and remediates managed targets
// under the cooldown discipline. A failed remediation is not retried
// until the next down transition after the cooldown expires, which is
// what keeps a crash-looping target from being restart-stormed.
type Engine struct {
	cfg       *config.Config
	registry  *CooldownRegistry
	restarter Restarter
	sink      EventSink
	audit     Auditor
	claims    cache.Provider
	logger    *slog.Logger

	managed map[string]config.TargetConfig

	mu      sync.Mutex
	history []models.HealAction
	stats   Stats

	wg sync.WaitGroup
}

// NewEngine constructs the engine over the managed subset of configured
// targets. claims may be nil to disable cross-replica claiming.
func NewEngine(
	cfg *config.Config,
	registry *CooldownRegistry,
	restarter Restarter,
	sink EventSink,
	auditor Auditor,
	claims cache.Provider,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewCooldownRegistry()
	}
	managed := make(map[string]config.TargetConfig)
	for _, target := range cfg.Health.Targets {
		if target.Managed {
			managed[target.ID] = target
		}
	}
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		restarter: restarter,
		sink:      sink,
		audit:     auditor,
		claims:    claims,
		logger:    logger,
		managed:   managed,
		stats:     Stats{PerTarget: make(map[string]int)},
	}
}

// Run consumes the subscription until it closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, sub *fanout.Subscription) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case stored, ok := <-sub.Events():
				if !ok {
					return
				}
				e.handleEvent(ctx, stored.Event)
			}
		}
	}()
}

// Wait blocks until the consume loop has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, ev models.Event) {
	if ev.EventType != models.EventTypeHealthChanged {
		return
	}
	var change models.HealthChangePayload
	if err := json.Unmarshal(ev.Payload, &change); err != nil {
		e.logger.Warn("undecodable health payload", slog.Any("error", err))
		return
	}
	if change.NewState != models.HealthDown {
		return
	}
	e.HandleDown(ctx, change.TargetID)
}

// HandleDown runs the remediation decision for one down target.
func (e *Engine) HandleDown(ctx context.Context, targetID string) {
	target, managed := e.managed[targetID]
	if !managed {
		e.logger.Debug("target not managed, skipping", slog.String("target", targetID))
		return
	}

	window := e.cfg.CooldownWindow(target)
	now := time.Now().UTC()
	if !e.registry.TryAcquire(targetID, window, now) {
		// Lost the cooldown check: silently skipped, but visible in the
		// audit trail for the operator.
		e.recordSkip(targetID)
		e.auditAppend("skipped_cooldown", targetID, map[string]string{
			"cooldown_window": window.String(),
		})
		return
	}

	if e.claims != nil {
		won, err := e.claims.SetNX(ctx, claimKey(targetID), []byte(now.Format(time.RFC3339)), window)
		if err != nil {
			e.logger.Warn("remediation claim check failed, proceeding locally",
				slog.String("target", targetID), slog.Any("error", err))
		} else if !won {
			// Another replica owns this window. The local cooldown stays
			// consumed: the window is fleet-wide.
			e.recordSkip(targetID)
			e.auditAppend("skipped_claimed_elsewhere", targetID, nil)
			return
		}
	}

	e.remediate(ctx, targetID)
}

func (e *Engine) remediate(ctx context.Context, targetID string) {
	e.mu.Lock()
	e.stats.Attempts++
	e.stats.PerTarget[targetID]++
	attempt := e.stats.PerTarget[targetID]
	e.mu.Unlock()

	e.auditAppend("restart_attempted", targetID, nil)
	e.emit(ctx, models.EventTypeAutohealAttempted, targetID, "", attempt)

	restartCtx, cancel := context.WithTimeout(ctx, e.cfg.Autoheal.RestartTimeout)
	err := e.restarter.Restart(restartCtx, targetID)
	cancel()

	action := models.HealAction{TargetID: targetID, At: time.Now().UTC(), Success: err == nil}
	if err != nil {
		action.Reason = err.Error()
	}
	e.recordAction(action)

	if err != nil {
		metrics.Remediation("failed")
		e.logger.Error("remediation failed",
			slog.String("target", targetID), slog.Any("error", err))
		e.auditAppend("restart_failed", targetID, map[string]string{"reason": err.Error()})
		e.emit(ctx, models.EventTypeAutohealFailed, targetID, err.Error(), attempt)
		return
	}

	metrics.Remediation("succeeded")
	e.logger.Info("remediation succeeded", slog.String("target", targetID))
	e.auditAppend("restart_succeeded", targetID, nil)
	e.emit(ctx, models.EventTypeAutohealSucceeded, targetID, "", attempt)
}

// ClearCooldown is the operator action that force-resets a target's
// cooldown. The reset itself is audited.
func (e *Engine) ClearCooldown(ctx context.Context, targetID, operator string) {
	e.registry.Clear(targetID)
	if e.claims != nil {
		if err := e.claims.Del(ctx, claimKey(targetID)); err != nil {
			e.logger.Warn("claim release failed", slog.String("target", targetID), slog.Any("error", err))
		}
	}
	if e.audit != nil {
		if err := e.audit.Append(operator, "clear_cooldown", targetID, nil); err != nil {
			e.logger.Warn("audit append failed", slog.Any("error", err))
		}
	}
}

// History returns up to limit actions, most recent first.
func (e *Engine) History(limit int) []models.HealAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]models.HealAction, 0, limit)
	for i := len(e.history) - 1; i >= len(e.history)-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Snapshot reports current stats plus cooldown entries.
func (e *Engine) Snapshot() (Stats, []models.CooldownEntry) {
	e.mu.Lock()
	stats := Stats{
		Attempts:  e.stats.Attempts,
		Successes: e.stats.Successes,
		Failures:  e.stats.Failures,
		Skipped:   e.stats.Skipped,
		PerTarget: make(map[string]int, len(e.stats.PerTarget)),
	}
	for k, v := range e.stats.PerTarget {
		stats.PerTarget[k] = v
	}
	e.mu.Unlock()
	return stats, e.registry.Snapshot()
}

// Managed reports whether a target is in the managed set.
func (e *Engine) Managed(targetID string) bool {
	_, ok := e.managed[targetID]
	return ok
}

func (e *Engine) recordAction(action models.HealAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if action.Success {
		e.stats.Successes++
	} else {
		e.stats.Failures++
	}
	e.history = append(e.history, action)
	if max := e.cfg.Autoheal.HistorySize; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
}

func (e *Engine) recordSkip(targetID string) {
	e.mu.Lock()
	e.stats.Skipped++
	e.mu.Unlock()
	metrics.Remediation("skipped")
	e.logger.Debug("remediation skipped", slog.String("target", targetID))
}

func (e *Engine) auditAppend(operation, targetID string, metadata map[string]string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(actor, operation, targetID, metadata); err != nil {
		e.logger.Warn("audit append failed", slog.Any("error", err))
	}
}

func (e *Engine) emit(ctx context.Context, eventType, targetID, reason string, attempt int) {
	if e.sink == nil {
		return
	}
	payload, err := json.Marshal(models.AutohealPayload{
		TargetID: targetID,
		Reason:   reason,
		Attempt:  attempt,
	})
	if err != nil {
		return
	}
	severity := models.SeverityMedium
	if eventType == models.EventTypeAutohealFailed {
		severity = models.SeverityHigh
	}
	ev := models.Event{
		EventType:  eventType,
		Source:     actor,
		Severity:   severity,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	if _, _, err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Error("publish autoheal event failed",
			slog.String("target", targetID), slog.Any("error", err))
	}
}

func claimKey(targetID string) string {
	return "autoheal:claim:" + targetID
}
