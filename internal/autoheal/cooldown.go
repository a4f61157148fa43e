package autoheal

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetplane/fleetplane/internal/models"
)

type cooldownState struct {
	mu    sync.Mutex
	entry models.CooldownEntry
}

// CooldownRegistry holds exactly one CooldownEntry per target. The
// check-then-act on a single target is atomic under that target's lock,
// so two concurrent down events cannot both pass the cooldown check.
// Unrelated targets never contend.
type CooldownRegistry struct {
	mu      sync.Mutex
	targets map[string]*cooldownState
}

// NewCooldownRegistry creates an empty registry.
func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{targets: make(map[string]*cooldownState)}
}

func (r *CooldownRegistry) state(targetID string) *cooldownState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.targets[targetID]
	if !ok {
		s = &cooldownState{entry: models.CooldownEntry{TargetID: targetID}}
		r.targets[targetID] = s
	}
	return s
}

// TryAcquire atomically checks the cooldown for a target and, if the
// window has elapsed, records a new action at now. It reports whether
// the caller may remediate.
func (r *CooldownRegistry) TryAcquire(targetID string, window time.Duration, now time.Time) bool {
	s := r.state(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.entry.LastActionAt.IsZero() && now.Sub(s.entry.LastActionAt) < window {
		return false
	}
	s.entry.LastActionAt = now
	s.entry.ActionCountInWindow = 1
	return true
}

// Clear resets a target's cooldown so the next down transition may be
// remediated immediately.
func (r *CooldownRegistry) Clear(targetID string) {
	s := r.state(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.LastActionAt = time.Time{}
	s.entry.ActionCountInWindow = 0
}

// Entry returns the current cooldown entry for a target.
func (r *CooldownRegistry) Entry(targetID string) models.CooldownEntry {
	s := r.state(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// Snapshot returns all cooldown entries sorted by target id.
func (r *CooldownRegistry) Snapshot() []models.CooldownEntry {
	r.mu.Lock()
	states := make([]*cooldownState, 0, len(r.targets))
	for _, s := range r.targets {
		states = append(states, s)
	}
	r.mu.Unlock()

	out := make([]models.CooldownEntry, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, s.entry)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}
