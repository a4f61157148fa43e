package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fleetplane/fleetplane/internal/models"
)

// ErrUnknownType signals an event type with no registered schema.
var ErrUnknownType = errors.New("unknown event type")

// ErrMissingField signals a required payload field that is absent.
var ErrMissingField = errors.New("missing required field")

// ErrBreakingChange signals a non-additive schema evolution attempt.
var ErrBreakingChange = errors.New("breaking schema change")

// FieldError carries the offending field for a validation failure.
type FieldError struct {
	EventType string
	Field     string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("event type %q: missing required field %q", e.EventType, e.Field)
}

func (e *FieldError) Unwrap() error { return ErrMissingField }

// Registry holds versioned event schemas. It is an explicitly owned
// store handed to engines at construction, not a process-wide global.
type Registry struct {
	mu           sync.RWMutex
	schemas      map[string]models.EventSchema
	allowUnknown bool
	logger       *slog.Logger
}

// PackFile is the YAML root structure for a schema pack.
type PackFile struct {
	Schemas []models.EventSchema `yaml:"schemas"`
}

// NewRegistry builds a registry seeded with the control plane's own event
// types plus any schemas loaded from the optional pack at packPath.
func NewRegistry(packPath string, allowUnknown bool, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		schemas:      make(map[string]models.EventSchema),
		allowUnknown: allowUnknown,
		logger:       logger,
	}
	for _, s := range builtinSchemas() {
		r.schemas[s.EventType] = s
	}

	if packPath != "" {
		data, err := os.ReadFile(packPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("schema pack not found, using builtins only", slog.String("path", packPath))
				return r, nil
			}
			return nil, fmt.Errorf("read schema pack: %w", err)
		}
		var pack PackFile
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("parse schema pack: %w", err)
		}
		for _, s := range pack.Schemas {
			if s.EventType == "" {
				continue
			}
			if s.MinVersion <= 0 {
				s.MinVersion = 1
			}
			r.schemas[s.EventType] = s
		}
		logger.Info("schema pack loaded", slog.String("path", packPath), slog.Int("schemas", len(pack.Schemas)))
	}

	return r, nil
}

// Validate checks the event envelope against the registered schema for
// its type. Unknown types are rejected unless wildcard passthrough was
// configured.
func (r *Registry) Validate(ev models.Event) error {
	if ev.EventType == "" {
		return &FieldError{EventType: ev.EventType, Field: "event_type"}
	}
	if ev.Source == "" {
		return &FieldError{EventType: ev.EventType, Field: "source"}
	}

	r.mu.RLock()
	s, ok := r.schemas[ev.EventType]
	allowUnknown := r.allowUnknown
	r.mu.RUnlock()

	if !ok {
		if allowUnknown {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownType, ev.EventType)
	}
	if len(s.RequiredFields) == 0 {
		return nil
	}

	fields := make(map[string]json.RawMessage)
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &fields); err != nil {
			return fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	for _, field := range s.RequiredFields {
		if _, present := fields[field]; !present {
			return &FieldError{EventType: ev.EventType, Field: field}
		}
	}
	return nil
}

// Get returns the schema for an event type.
func (r *Registry) Get(eventType string) (models.EventSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// List returns all registered schemas sorted by event type.
func (r *Registry) List() []models.EventSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.EventSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// Register adds a new schema. Registering over an existing type is an
// evolution and must go through Evolve.
func (r *Registry) Register(s models.EventSchema) error {
	if s.EventType == "" {
		return fmt.Errorf("schema event_type is required")
	}
	if s.MinVersion <= 0 {
		s.MinVersion = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.EventType]; exists {
		return fmt.Errorf("%w: %s already registered, use Evolve", ErrBreakingChange, s.EventType)
	}
	r.schemas[s.EventType] = s
	return nil
}

// Evolve applies an additive change: new fields join the schema as
// optional and the version may be bumped. Required fields never change,
// so events published before the evolution keep validating. Anything
// stricter needs a new event type.
func (r *Registry) Evolve(eventType string, addFields []string, bumpVersion bool) (models.EventSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[eventType]
	if !ok {
		return models.EventSchema{}, fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}

	existing := make(map[string]struct{}, len(s.RequiredFields)+len(s.OptionalFields))
	for _, f := range s.RequiredFields {
		existing[f] = struct{}{}
	}
	for _, f := range s.OptionalFields {
		existing[f] = struct{}{}
	}
	for _, f := range addFields {
		if f == "" {
			return models.EventSchema{}, fmt.Errorf("%w: empty field name", ErrBreakingChange)
		}
		if _, dup := existing[f]; dup {
			continue
		}
		s.OptionalFields = append(s.OptionalFields, f)
		existing[f] = struct{}{}
	}
	if bumpVersion {
		s.MinVersion++
	}
	r.schemas[eventType] = s
	r.logger.Info("schema evolved",
		slog.String("event_type", eventType),
		slog.Int("min_version", s.MinVersion),
		slog.Int("optional_fields", len(s.OptionalFields)))
	return s, nil
}

func builtinSchemas() []models.EventSchema {
	return []models.EventSchema{
		{
			EventType:      models.EventTypeHealthChanged,
			RequiredFields: []string{"target_id", "old_state", "new_state", "at"},
			Description:    "Health monitor state transition",
			MinVersion:     1,
		},
		{
			EventType:      models.EventTypeAutohealAttempted,
			RequiredFields: []string{"target_id"},
			Description:    "Remediation attempt started",
			MinVersion:     1,
		},
		{
			EventType:      models.EventTypeAutohealSucceeded,
			RequiredFields: []string{"target_id"},
			Description:    "Remediation attempt succeeded",
			MinVersion:     1,
		},
		{
			EventType:      models.EventTypeAutohealFailed,
			RequiredFields: []string{"target_id", "reason"},
			Description:    "Remediation attempt failed",
			MinVersion:     1,
		},
		{
			EventType:      models.EventTypeDeliveryFailed,
			RequiredFields: []string{"endpoint", "status_code"},
			Description:    "Outbound delivery failure reported by a producer",
			MinVersion:     1,
		},
	}
}
