// Package checkpoint persists phase-scoped recovery snapshots as JSON
// files, one per checkpoint. Writes go through a temp file, fsync, and an
// atomic rename before any stale file is removed, so a crash at any point
// leaves either the old snapshot or the new one, never neither.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// Data captures everything needed to resume a phase from where it stopped.
type Data struct {
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	BatchID      string    `json:"batch_id,omitempty"`
	Phase        string    `json:"phase"`
	State        string    `json:"state,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	ItemsRemaining    []map[string]any        `json:"items_remaining,omitempty"`
	EntitiesPending   []model.ExtractedEntity `json:"entities_pending,omitempty"`
	OperationsPending []int64                 `json:"operations_pending,omitempty"`

	ItemsProcessed    int `json:"items_processed"`
	EntitiesExtracted int `json:"entities_extracted"`
	OperationsStaged  int `json:"operations_staged"`

	Context map[string]any `json:"context_data,omitempty"`
}

// HasPendingWork reports whether the checkpoint still references
// unfinished items; only such checkpoints are worth resuming from.
func (d *Data) HasPendingWork() bool {
	return len(d.ItemsRemaining) > 0 || len(d.EntitiesPending) > 0 || len(d.OperationsPending) > 0
}

// Manager stores checkpoints under one directory.
type Manager struct {
	dir string
}

// NewManager opens (creating if needed) a checkpoint directory.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create dir")
	}
	return &Manager{dir: dir}, nil
}

// CreateParams are the inputs for one checkpoint.
type CreateParams struct {
	SessionID         string
	Phase             string
	State             string
	BatchID           string
	ItemsRemaining    []map[string]any
	EntitiesPending   []model.ExtractedEntity
	OperationsPending []int64
	ItemsProcessed    int
	EntitiesExtracted int
	OperationsStaged  int
	Context           map[string]any
}

// Create writes a new checkpoint and returns it.
func (m *Manager) Create(p CreateParams) (*Data, error) {
	d := &Data{
		CheckpointID: strings.Join([]string{
			"checkpoint", p.SessionID, p.Phase, uuid.NewString()[:8],
		}, "_"),
		SessionID:         p.SessionID,
		BatchID:           p.BatchID,
		Phase:             p.Phase,
		State:             p.State,
		CreatedAt:         time.Now().UTC(),
		ItemsRemaining:    p.ItemsRemaining,
		EntitiesPending:   p.EntitiesPending,
		OperationsPending: p.OperationsPending,
		ItemsProcessed:    p.ItemsProcessed,
		EntitiesExtracted: p.EntitiesExtracted,
		OperationsStaged:  p.OperationsStaged,
		Context:           p.Context,
	}
	if err := m.save(d); err != nil {
		return nil, err
	}
	zap.L().Debug("checkpoint created",
		zap.String("checkpoint_id", d.CheckpointID),
		zap.String("phase", d.Phase),
		zap.Int("operations_pending", len(d.OperationsPending)),
	)
	return d, nil
}

// save writes the checkpoint atomically: temp file, fsync, rename.
func (m *Manager) save(d *Data) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	final := m.pathFor(d.CheckpointID)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return eris.Wrap(err, "checkpoint: write temp")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return eris.Wrap(err, "checkpoint: sync temp")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return eris.Wrap(err, "checkpoint: close temp")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return eris.Wrap(err, "checkpoint: rename temp")
	}
	return nil
}

func (m *Manager) pathFor(checkpointID string) string {
	return filepath.Join(m.dir, checkpointID+".json")
}

// Latest returns the newest checkpoint for a session, or nil.
func (m *Manager) Latest(sessionID string) (*Data, error) {
	return m.newest(sessionID, "")
}

// LatestForPhase returns the newest checkpoint for (session, phase), or
// nil.
func (m *Manager) LatestForPhase(sessionID, phase string) (*Data, error) {
	return m.newest(sessionID, phase)
}

func (m *Manager) newest(sessionID, phase string) (*Data, error) {
	checkpoints, err := m.list(sessionID)
	if err != nil {
		return nil, err
	}
	var newest *Data
	for _, c := range checkpoints {
		if phase != "" && c.Phase != phase {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	return newest, nil
}

// Load reads a checkpoint by id, or nil if it does not exist.
func (m *Manager) Load(checkpointID string) (*Data, error) {
	data, err := os.ReadFile(m.pathFor(checkpointID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read %s", checkpointID)
	}
	var d Data
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: parse %s", checkpointID)
	}
	return &d, nil
}

// Delete removes a checkpoint and reports whether it existed.
func (m *Manager) Delete(checkpointID string) bool {
	err := os.Remove(m.pathFor(checkpointID))
	return err == nil
}

// CleanupOld keeps the newest keepLatest checkpoints of a session and
// deletes the rest, returning how many were deleted.
func (m *Manager) CleanupOld(sessionID string, keepLatest int) (int, error) {
	checkpoints, err := m.list(sessionID)
	if err != nil {
		return 0, err
	}
	if len(checkpoints) <= keepLatest {
		return 0, nil
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	deleted := 0
	for _, c := range checkpoints[keepLatest:] {
		if m.Delete(c.CheckpointID) {
			deleted++
		}
	}
	return deleted, nil
}

// CleanupCompletedSessions removes every checkpoint whose session file in
// sessionsDir reports a completed state, returning how many were removed.
func (m *Manager) CleanupCompletedSessions(sessionsDir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(sessionsDir, "session_*.json"))
	if err != nil {
		return 0, eris.Wrap(err, "checkpoint: glob sessions")
	}

	deleted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var session struct {
			SessionID string `json:"session_id"`
			State     string `json:"state"`
		}
		if err := json.Unmarshal(data, &session); err != nil || session.State != "completed" {
			continue
		}
		checkpoints, err := m.list(session.SessionID)
		if err != nil {
			continue
		}
		for _, c := range checkpoints {
			if m.Delete(c.CheckpointID) {
				deleted++
			}
		}
	}
	return deleted, nil
}

func (m *Manager) list(sessionID string) ([]*Data, error) {
	pattern := filepath.Join(m.dir, "checkpoint_"+sessionID+"_*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: glob")
	}
	var checkpoints []*Data
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var d Data
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &d)
	}
	return checkpoints, nil
}
