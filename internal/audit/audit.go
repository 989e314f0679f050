// Package audit keeps a JSONL trail of significant pipeline events. One
// JSON object per line makes appends cheap and reads streamable; an OS
// advisory lock serializes writers when a CLI run and a server share the
// file.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Entry is one audit record.
type Entry struct {
	TS         time.Time      `json:"ts"`
	SessionID  string         `json:"session_id,omitempty"`
	Category   string         `json:"category"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// Logger appends entries to a JSONL file.
type Logger struct {
	path      string
	sessionID string
	lock      *flock.Flock
}

// New creates a logger writing to path, creating the parent directory if
// needed. retentionDays > 0 prunes old entries on startup.
func New(path, sessionID string, retentionDays int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "audit: create log dir")
	}
	l := &Logger{
		path:      path,
		sessionID: sessionID,
		lock:      flock.New(path + ".lock"),
	}
	if retentionDays > 0 {
		if _, err := l.CleanupOlderThan(time.Duration(retentionDays) * 24 * time.Hour); err != nil {
			zap.L().Warn("audit cleanup failed", zap.Error(err))
		}
	}
	return l, nil
}

// Log appends one entry. Write failures are logged and swallowed: the
// audit trail must never fail the pipeline.
func (l *Logger) Log(category, action string, details map[string]any) {
	l.LogTimed(category, action, details, 0)
}

// LogTimed is Log with a duration attached.
func (l *Logger) LogTimed(category, action string, details map[string]any, duration time.Duration) {
	entry := Entry{
		TS:        time.Now().UTC(),
		SessionID: l.sessionID,
		Category:  category,
		Action:    action,
		Details:   details,
	}
	if duration > 0 {
		entry.DurationMS = duration.Milliseconds()
	}
	if err := l.append(entry); err != nil {
		zap.L().Warn("audit write failed",
			zap.String("category", category),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// LogError records an error entry with context.
func (l *Logger) LogError(err error, context map[string]any) {
	details := map[string]any{
		"error_message": err.Error(),
	}
	if len(context) > 0 {
		details["context"] = context
	}
	l.Log("error", "exception", details)
}

func (l *Logger) append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "audit: marshal entry")
	}

	if err := l.lock.Lock(); err != nil {
		return eris.Wrap(err, "audit: acquire lock")
	}
	defer l.lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrap(err, "audit: open log")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return eris.Wrap(err, "audit: write entry")
	}
	return nil
}

// Filter narrows Entries reads. Zero values match everything.
type Filter struct {
	Category string
	Action   string
	Since    time.Time
	Limit    int
}

// Entries reads matching entries, newest first. Malformed lines are
// skipped.
func (l *Logger) Entries(filter Filter) ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "audit: open log")
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && e.TS.Before(filter.Since) {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "audit: scan log")
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// CleanupOlderThan rewrites the log keeping only entries newer than maxAge
// (and any malformed lines), returning how many were dropped.
func (l *Logger) CleanupOlderThan(maxAge time.Duration) (int, error) {
	if err := l.lock.Lock(); err != nil {
		return 0, eris.Wrap(err, "audit: acquire lock")
	}
	defer l.lock.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "audit: open log")
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var kept [][]byte
	removed := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			kept = append(kept, line)
			continue
		}
		if e.TS.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, eris.Wrap(scanErr, "audit: scan log")
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := l.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, eris.Wrap(err, "audit: create temp log")
	}
	for _, line := range kept {
		if _, err := out.Write(append(line, '\n')); err != nil {
			out.Close()
			os.Remove(tmp)
			return 0, eris.Wrap(err, "audit: write temp log")
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, eris.Wrap(err, "audit: close temp log")
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return 0, eris.Wrap(err, "audit: replace log")
	}
	return removed, nil
}
