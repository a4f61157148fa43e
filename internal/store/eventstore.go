package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetplane/fleetplane/internal/models"
)

// ErrNotFound signals an event id with no stored event.
var ErrNotFound = errors.New("event not found")

// Filter narrows a Range read. Zero-valued fields match everything.
type Filter struct {
	EventType string
	TenantID  string
	Source    string
}

// EventStore is the durable, ordered, append-only record of validated
// events. Offsets are assigned at append time and increase monotonically.
// Duplicate event ids are accepted idempotently so producer retries do
// not create duplicate records.
type EventStore struct {
	mu     sync.RWMutex
	events []models.StoredEvent
	index  map[string]int64

	path    string
	file    *os.File
	logger  *slog.Logger
	onFatal func()
}

// Open loads the event log at path, recovering from the backup copy when
// the primary is corrupted and recreating an empty log on total loss.
// onFatal, if non-nil, is invoked when recovery had to discard state.
func Open(path string, logger *slog.Logger, onFatal func()) (*EventStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EventStore{
		index:   make(map[string]int64),
		path:    path,
		logger:  logger,
		onFatal: onFatal,
	}

	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	// Backup restore reopens the log itself via the checkpoint path.
	if s.file == nil {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		s.file = file
	}
	return s, nil
}

func (s *EventStore) recover() error {
	loaded, err := s.loadFrom(s.path)
	if err == nil {
		s.events = loaded
		s.reindex()
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	s.logger.Error("CRITICAL: event log unreadable, trying backup",
		slog.String("path", s.path), slog.Any("error", err))

	backup, bakErr := s.loadFrom(s.path + ".bak")
	if bakErr == nil {
		s.events = backup
		s.reindex()
		if writeErr := s.checkpointLocked(); writeErr != nil {
			return fmt.Errorf("restore from backup: %w", writeErr)
		}
		s.logger.Warn("event log restored from backup", slog.Int("events", len(backup)))
		return nil
	}

	s.logger.Error("CRITICAL: event log and backup both lost, recreating empty",
		slog.String("path", s.path), slog.Any("error", bakErr))
	if s.onFatal != nil {
		s.onFatal()
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("reset event log: %w", rmErr)
	}
	return nil
}

func (s *EventStore) loadFrom(path string) ([]models.StoredEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []models.StoredEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var stored models.StoredEvent
		if err := json.Unmarshal(raw, &stored); err != nil {
			// A torn tail line from a crash is tolerable; anything before
			// the tail means real corruption.
			s.logger.Warn("skipping unreadable event record",
				slog.String("path", path), slog.Int("line", line), slog.Any("error", err))
			continue
		}
		if stored.Offset != int64(len(events)) {
			return nil, fmt.Errorf("offset gap at line %d: got %d want %d", line, stored.Offset, len(events))
		}
		events = append(events, stored)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

func (s *EventStore) reindex() {
	s.index = make(map[string]int64, len(s.events))
	for _, stored := range s.events {
		s.index[stored.Event.EventID] = stored.Offset
	}
}

// Append stores a validated event and returns its offset. A duplicate
// event id replays the original append: the prior offset is returned
// with stored=false and no error.
func (s *EventStore) Append(ev models.Event) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, dup := s.index[ev.EventID]; dup {
		return prior, false, nil
	}

	offset := int64(len(s.events))
	stored := models.StoredEvent{Offset: offset, Event: ev}

	if s.file != nil {
		line, err := json.Marshal(stored)
		if err != nil {
			return 0, false, fmt.Errorf("encode event: %w", err)
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return 0, false, fmt.Errorf("append event: %w", err)
		}
		if err := s.file.Sync(); err != nil {
			return 0, false, fmt.Errorf("sync event log: %w", err)
		}
	}

	s.events = append(s.events, stored)
	s.index[ev.EventID] = offset
	return offset, true, nil
}

// Read returns the event with the given id.
func (s *EventStore) Read(eventID string) (models.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.index[eventID]
	if !ok {
		return models.StoredEvent{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return s.events[offset], nil
}

// Recent returns up to limit events, newest first.
func (s *EventStore) Recent(limit int) []models.StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]models.StoredEvent, 0, limit)
	for i := len(s.events) - 1; i >= len(s.events)-limit; i-- {
		out = append(out, s.events[i])
	}
	return out
}

// Range reads events in store order starting at fromOffset, bounded by
// the time window and filter, returning at most limit records plus the
// offset to resume from. A nextOffset equal to Len means the range is
// exhausted.
func (s *EventStore) Range(since, until time.Time, filter Filter, fromOffset int64, limit int) ([]models.StoredEvent, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromOffset < 0 {
		fromOffset = 0
	}
	if limit <= 0 {
		limit = 100
	}

	out := make([]models.StoredEvent, 0, limit)
	next := fromOffset
	for ; next < int64(len(s.events)) && len(out) < limit; next++ {
		stored := s.events[next]
		ev := stored.Event
		if !since.IsZero() && ev.OccurredAt.Before(since) {
			continue
		}
		if !until.IsZero() && ev.OccurredAt.After(until) {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.TenantID != "" && ev.TenantID != filter.TenantID {
			continue
		}
		if filter.Source != "" && ev.Source != filter.Source {
			continue
		}
		out = append(out, stored)
	}
	return out, next
}

// Len returns the number of stored events (also the next offset).
func (s *EventStore) Len() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events))
}

// Checkpoint rewrites the log atomically and refreshes the backup copy.
func (s *EventStore) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *EventStore) checkpointLocked() error {
	if s.path == "" {
		return nil
	}
	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, stored := range s.events {
		line, err := json.Marshal(stored)
		if err != nil {
			file.Close()
			return fmt.Errorf("encode checkpoint: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return fmt.Errorf("write checkpoint: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}

	// Keep the previous good log as the backup before the swap.
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.path+".bak"); err != nil {
			return fmt.Errorf("rotate backup: %w", err)
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("activate checkpoint: %w", err)
	}

	if s.file != nil {
		s.file.Close()
	}
	file, err = os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen event log: %w", err)
	}
	s.file = file
	return nil
}

// Close checkpoints and releases the log file.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.checkpointLocked(); err != nil {
		s.logger.Warn("checkpoint on close failed", slog.Any("error", err))
	}
	err := s.file.Close()
	s.file = nil
	return err
}
