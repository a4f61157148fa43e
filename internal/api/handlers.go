package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetplane/fleetplane/internal/anomaly"
	"github.com/fleetplane/fleetplane/internal/audit"
	"github.com/fleetplane/fleetplane/internal/autoheal"
	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/health"
	"github.com/fleetplane/fleetplane/internal/models"
	"github.com/fleetplane/fleetplane/internal/schema"
	"github.com/fleetplane/fleetplane/internal/services"
	"github.com/fleetplane/fleetplane/internal/store"
	"github.com/fleetplane/fleetplane/internal/triage"
	"github.com/fleetplane/fleetplane/internal/utils"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000

	// triageScanDepth bounds how far back the delivery lookup searches.
	triageScanDepth = 1000
)

// Handlers carries the control-plane components behind the HTTP surface.
type Handlers struct {
	registry   *schema.Registry
	store      *store.EventStore
	pipeline   *services.Pipeline
	hub        *fanout.Hub
	monitor    *health.Monitor
	engine     *autoheal.Engine
	classifier *triage.Classifier
	detector   *anomaly.Detector
	audit      *audit.Trail
	logger     *slog.Logger
}

// NewHandlers wires the HTTP surface over the given components.
func NewHandlers(
	registry *schema.Registry,
	eventStore *store.EventStore,
	pipeline *services.Pipeline,
	hub *fanout.Hub,
	monitor *health.Monitor,
	engine *autoheal.Engine,
	classifier *triage.Classifier,
	detector *anomaly.Detector,
	trail *audit.Trail,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		registry:   registry,
		store:      eventStore,
		pipeline:   pipeline,
		hub:        hub,
		monitor:    monitor,
		engine:     engine,
		classifier: classifier,
		detector:   detector,
		audit:      trail,
		logger:     logger,
	}
}

// Routes builds the HTTP mux. /healthz is the only unauthenticated path.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.HandleFunc("GET /events/schema", h.require(RoleViewer, h.handleSchemaList))
	mux.HandleFunc("GET /events/schema/{type}", h.require(RoleViewer, h.handleSchemaGet))
	mux.HandleFunc("POST /events/schema/{type}/evolve", h.require(RoleOperator, h.handleSchemaEvolve))
	mux.HandleFunc("POST /events/publish", h.require(RoleOperator, h.handlePublish))
	mux.HandleFunc("GET /events/recent", h.require(RoleViewer, h.handleRecent))
	mux.HandleFunc("GET /events/range", h.require(RoleViewer, h.handleRange))
	mux.HandleFunc("GET /events/stream", h.require(RoleViewer, h.handleStream))

	mux.HandleFunc("GET /autoheal/status", h.require(RoleViewer, h.handleAutohealStatus))
	mux.HandleFunc("GET /autoheal/history", h.require(RoleViewer, h.handleAutohealHistory))
	mux.HandleFunc("GET /autoheal/stats", h.require(RoleViewer, h.handleAutohealStats))
	mux.HandleFunc("POST /autoheal/clear_endpoint_cooldown", h.require(RoleOperator, h.handleClearCooldown))

	mux.HandleFunc("GET /triage/deliveries/{id}", h.require(RoleViewer, h.handleTriageGet))
	mux.HandleFunc("POST /triage/deliveries/batch", h.require(RoleOperator, h.handleTriageBatch))

	mux.HandleFunc("GET /anomalies/current", h.require(RoleViewer, h.handleAnomaliesCurrent))
	mux.HandleFunc("POST /anomalies/{id}/triage", h.require(RoleOperator, h.handleAnomalyTriage))

	mux.HandleFunc("GET /audit/recent", h.require(RoleViewer, h.handleAuditRecent))

	return mux
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleSchemaList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schemas": h.registry.List()})
}

func (h *Handlers) handleSchemaGet(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("type")
	s, ok := h.registry.Get(eventType)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown event type "+eventType)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) handleSchemaEvolve(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("type")
	var req struct {
		AddFields   []string `json:"add_fields"`
		BumpVersion bool     `json:"bump_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	evolved, err := h.registry.Evolve(eventType, req.AddFields, req.BumpVersion)
	if err != nil {
		switch {
		case errors.Is(err, schema.ErrUnknownType):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, schema.ErrBreakingChange):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.auditAppend(actorFrom(r), "schema_evolved", eventType, map[string]string{
		"added_fields": strconv.Itoa(len(req.AddFields)),
	})
	writeJSON(w, http.StatusOK, evolved)
}

// publishRequest is the wire envelope. event_id and occurred_at are
// producer-optional and server-generated when absent.
type publishRequest struct {
	EventType  string          `json:"event_type"`
	Source     string          `json:"source"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Severity   string          `json:"severity,omitempty"`
	OccurredAt string          `json:"occurred_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EventID    string          `json:"event_id,omitempty"`
}

func (h *Handlers) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ev := models.Event{
		EventID:   req.EventID,
		EventType: req.EventType,
		Source:    req.Source,
		TenantID:  req.TenantID,
		Severity:  models.Severity(req.Severity),
		Payload:   req.Payload,
	}
	if req.OccurredAt != "" {
		at, err := utils.ParseRFC3339(req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid occurred_at: "+err.Error())
			return
		}
		ev.OccurredAt = at
	}

	stored, created, err := h.pipeline.Publish(r.Context(), ev)
	if err != nil {
		if services.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("publish failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "event persistence failed")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"event_id": stored.Event.EventID,
		"offset":   stored.Offset,
		"stored":   created,
	})
}

func (h *Handlers) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRecentLimit)
	if limit <= 0 || limit > maxRecentLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": h.store.Recent(limit)})
}

func (h *Handlers) handleRange(w http.ResponseWriter, r *http.Request) {
	var since, until time.Time
	var err error
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err = utils.ParseRFC3339(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		if until, err = utils.ParseRFC3339(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid until: "+err.Error())
			return
		}
	}

	filter := store.Filter{
		EventType: r.URL.Query().Get("event_type"),
		TenantID:  r.URL.Query().Get("tenant_id"),
		Source:    r.URL.Query().Get("source"),
	}
	fromOffset := int64(queryInt(r, "from_offset", 0))
	limit := queryInt(r, "limit", defaultRecentLimit)
	if limit <= 0 || limit > maxRecentLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	events, next := h.store.Range(since, until, filter, fromOffset, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_offset": next,
	})
}

func (h *Handlers) handleAutohealStatus(w http.ResponseWriter, _ *http.Request) {
	stats, cooldowns := h.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     stats,
		"cooldowns": cooldowns,
		"targets":   h.monitor.Snapshot(),
	})
}

func (h *Handlers) handleAutohealHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRecentLimit)
	writeJSON(w, http.StatusOK, map[string]any{"actions": h.engine.History(limit)})
}

func (h *Handlers) handleAutohealStats(w http.ResponseWriter, _ *http.Request) {
	stats, _ := h.engine.Snapshot()
	latencies := h.pipeline.LatencySnapshot()
	percentiles := make(map[string]string, len(latencies))
	for name, d := range latencies {
		percentiles[name] = d.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":           stats,
		"publish_latency": percentiles,
	})
}

func (h *Handlers) handleClearCooldown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}
	if !h.engine.Managed(req.TargetID) {
		writeError(w, http.StatusNotFound, "target not managed: "+req.TargetID)
		return
	}
	h.engine.ClearCooldown(r.Context(), req.TargetID, actorFrom(r))
	writeJSON(w, http.StatusOK, map[string]string{"target_id": req.TargetID, "cooldown": "cleared"})
}

// deliveryPayload is the failure detail producers attach to
// delivery.failed events.
type deliveryPayload struct {
	DeliveryID string            `json:"delivery_id"`
	Endpoint   string            `json:"endpoint"`
	StatusCode int               `json:"status_code"`
	ErrorText  string            `json:"error_text"`
	Headers    map[string]string `json:"headers"`
}

func (h *Handlers) handleTriageGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, found := h.lookupFailure(id)
	if !found {
		writeError(w, http.StatusNotFound, "no delivery failure recorded for "+id)
		return
	}
	writeJSON(w, http.StatusOK, h.classifier.Classify(rec))
}

// lookupFailure resolves a delivery id to its most recent failure
// record, checking the event id index first and then scanning recent
// delivery failures for a matching payload delivery_id.
func (h *Handlers) lookupFailure(id string) (models.FailureRecord, bool) {
	if stored, err := h.store.Read(id); err == nil && stored.Event.EventType == models.EventTypeDeliveryFailed {
		return failureFromEvent(id, stored.Event), true
	}
	for _, stored := range h.store.Recent(triageScanDepth) {
		if stored.Event.EventType != models.EventTypeDeliveryFailed {
			continue
		}
		var payload deliveryPayload
		if err := json.Unmarshal(stored.Event.Payload, &payload); err != nil {
			continue
		}
		if payload.DeliveryID == id {
			return failureFromEvent(id, stored.Event), true
		}
	}
	return models.FailureRecord{}, false
}

func failureFromEvent(id string, ev models.Event) models.FailureRecord {
	var payload deliveryPayload
	_ = json.Unmarshal(ev.Payload, &payload)
	return models.FailureRecord{
		SubjectID:  id,
		StatusCode: payload.StatusCode,
		ErrorText:  payload.ErrorText,
		Headers:    payload.Headers,
	}
}

func (h *Handlers) handleTriageBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Failures []models.FailureRecord `json:"failures"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	results, err := h.classifier.ClassifyBatch(r.Context(), req.Failures)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handlers) handleAnomaliesCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"incidents": h.detector.Current()})
}

func (h *Handlers) handleAnomalyTriage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Dismiss bool   `json:"dismiss"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var incident models.Incident
	var err error
	if req.Dismiss {
		incident, err = h.detector.Dismiss(id, actorFrom(r), req.Note)
	} else {
		incident, err = h.detector.Annotate(id, actorFrom(r), req.Note)
	}
	if err != nil {
		switch {
		case errors.Is(err, anomaly.ErrIncidentNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, anomaly.ErrIncidentClosed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

func (h *Handlers) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRecentLimit)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   h.audit.Recent(limit),
		"rotations": h.audit.Rotations(),
	})
}

func (h *Handlers) auditAppend(actor, operation, target string, metadata map[string]string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Append(actor, operation, target, metadata); err != nil {
		h.logger.Warn("audit append failed", slog.Any("error", err))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
