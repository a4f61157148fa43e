package audit

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

	"github.com/fleetplane/fleetplane/internal/metrics"
	"github.com/fleetplane/fleetplane/internal/models"
)

// Trail is the append-only decision log shared by every engine. Appends
// are serialized so concurrent writers never interleave partial records.
// The hot log is bounded; on hitting the cap it is rotated wholesale to
// the cold file and the in-memory window keeps only the newest entries.
type Trail struct {
	mu         sync.Mutex
	entries    []models.AuditEntry
	path       string
	file       *os.File
	maxEntries int
	logger     *slog.Logger
	rotations  int
}

// Open loads or creates the audit log at path. A corrupt hot log falls
// back to the backup copy; total loss recreates an empty log.
func Open(path string, maxEntries int, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	t := &Trail{path: path, maxEntries: maxEntries, logger: logger}

	if path == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	entries, err := loadEntries(path, logger)
	if err != nil {
		logger.Error("CRITICAL: audit log unreadable, trying backup",
			slog.String("path", path), slog.Any("error", err))
		entries, err = loadEntries(path+".bak", logger)
		if err != nil {
			logger.Error("CRITICAL: audit log and backup both lost, recreating empty",
				slog.String("path", path), slog.Any("error", err))
			entries = nil
		}
		if err := t.rewrite(entries); err != nil {
			return nil, err
		}
	}
	t.entries = entries

	if t.file == nil {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		t.file = file
	}
	return t, nil
}

func loadEntries(path string, logger *slog.Logger) ([]models.AuditEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !isBackup(path) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []models.AuditEntry
	var lastTS time.Time
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	bad := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry models.AuditEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			bad++
			logger.Warn("skipping unreadable audit record",
				slog.String("path", path), slog.Int("line", line))
			continue
		}
		if entry.TS.Before(lastTS) {
			return nil, fmt.Errorf("timestamp regression at line %d", line)
		}
		lastTS = entry.TS
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	if bad > 0 && len(entries) == 0 {
		return nil, fmt.Errorf("no readable records (%d bad lines)", bad)
	}
	return entries, nil
}

func isBackup(path string) bool {
	return filepath.Ext(path) == ".bak"
}

// Append records one decision. The entry timestamp is set here so the
// log stays monotonic regardless of caller clocks.
func (t *Trail) Append(actor, operation, target string, metadata map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := models.AuditEntry{
		TS:        time.Now().UTC(),
		Actor:     actor,
		Operation: operation,
		Target:    target,
		Metadata:  metadata,
	}
	if n := len(t.entries); n > 0 && entry.TS.Before(t.entries[n-1].TS) {
		entry.TS = t.entries[n-1].TS
	}

	if t.file != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
		if _, err := t.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		if err := t.file.Sync(); err != nil {
			return fmt.Errorf("sync audit log: %w", err)
		}
	}

	t.entries = append(t.entries, entry)
	if len(t.entries) >= t.maxEntries {
		if err := t.rotate(); err != nil {
			t.logger.Error("audit rotation failed", slog.Any("error", err))
		}
	}
	return nil
}

// rotate appends the evicted entries to the cold segment and restarts
// the hot window with the newest half. The cold segment only ever grows;
// every rotation adds to it rather than replacing it.
func (t *Trail) rotate() error {
	keep := t.maxEntries / 2
	if keep < 1 {
		keep = 1
	}
	evicted := t.entries[:len(t.entries)-keep]
	t.entries = append([]models.AuditEntry(nil), t.entries[len(t.entries)-keep:]...)
	t.rotations++
	metrics.AuditRotated()

	if t.path == "" {
		return nil
	}
	if err := t.appendCold(evicted); err != nil {
		return err
	}
	if err := t.rewrite(t.entries); err != nil {
		return err
	}
	t.logger.Info("audit log rotated", slog.Int("retained", keep), slog.Int("rotations", t.rotations))
	return nil
}

// appendCold writes evicted entries to the end of the cold segment.
func (t *Trail) appendCold(entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	file, err := os.OpenFile(t.path+".cold", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open cold segment: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			return fmt.Errorf("encode audit entry: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return fmt.Errorf("write cold segment: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush cold segment: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync cold segment: %w", err)
	}
	return file.Close()
}

// rewrite atomically replaces the hot log with the given entries and
// refreshes the backup copy.
func (t *Trail) rewrite(entries []models.AuditEntry) error {
	if t.path == "" {
		return nil
	}
	tmp := t.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open audit tmp: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			return fmt.Errorf("encode audit entry: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return fmt.Errorf("write audit tmp: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush audit tmp: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync audit tmp: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit tmp: %w", err)
	}

	if _, err := os.Stat(t.path); err == nil {
		if err := os.Rename(t.path, t.path+".bak"); err != nil {
			return fmt.Errorf("rotate audit backup: %w", err)
		}
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("activate audit log: %w", err)
	}

	if t.file != nil {
		t.file.Close()
	}
	file, err = os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen audit log: %w", err)
	}
	t.file = file
	return nil
}

// Recent returns up to limit entries, most recent first.
func (t *Trail) Recent(limit int) []models.AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.entries) {
		limit = len(t.entries)
	}
	out := make([]models.AuditEntry, 0, limit)
	for i := len(t.entries) - 1; i >= len(t.entries)-limit; i-- {
		out = append(out, t.entries[i])
	}
	return out
}

// Rotations reports how many times the hot log has been rotated.
func (t *Trail) Rotations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rotations
}

// Close flushes the hot window and releases the log file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	if err := t.rewrite(t.entries); err != nil {
		t.logger.Warn("audit rewrite on close failed", slog.Any("error", err))
	}
	err := t.file.Close()
	t.file = nil
	return err
}
