// Package session tracks one pipeline run end to end: its lifecycle
// state, the batches it processed, and aggregate counters. Sessions
// persist as JSON files so an interrupted run can be found and resumed.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/hooks"
)

// State is the session lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateResearching State = "researching"
	StateReconciling State = "reconciling"
	StateStaging     State = "staging"
	StateApplying    State = "applying"
	StateReviewing   State = "reviewing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StatePaused      State = "paused"
)

// BatchInfo summarizes one batch inside a session.
type BatchInfo struct {
	BatchID     string     `json:"batch_id"`
	Source      string     `json:"source,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Data is the persisted session document.
type Data struct {
	SessionID string      `json:"session_id"`
	State     State       `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Batches   []BatchInfo `json:"batches,omitempty"`
	Error     string      `json:"error,omitempty"`

	EntitiesProcessed int `json:"entities_processed"`
	OperationsStaged  int `json:"operations_staged"`
	OperationsApplied int `json:"operations_applied"`
	QuestionsRaised   int `json:"questions_raised"`
}

// Manager creates, persists, and finalizes sessions.
type Manager struct {
	dir     string
	hooks   *hooks.Registry
	current *Data
}

// NewManager opens a session directory. hookReg may be nil.
func NewManager(dir string, hookReg *hooks.Registry) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "session: create dir")
	}
	if hookReg == nil {
		hookReg = hooks.NewRegistry(nil)
	}
	return &Manager{dir: dir, hooks: hookReg}, nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Data { return m.current }

// Create starts a new session and emits session_start.
func (m *Manager) Create() (*Data, error) {
	now := time.Now().UTC()
	s := &Data{
		SessionID: uuid.NewString(),
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(s); err != nil {
		return nil, err
	}
	m.current = s
	m.hooks.EmitSimple("session_start", map[string]any{
		"session_id": s.SessionID,
	}, "", s.SessionID)
	return s, nil
}

// Load reads a session by id and makes it current, or returns nil when
// absent.
func (m *Manager) Load(sessionID string) (*Data, error) {
	data, err := os.ReadFile(m.pathFor(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "session: read %s", sessionID)
	}
	var s Data
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrapf(err, "session: parse %s", sessionID)
	}
	m.current = &s
	return &s, nil
}

// UpdateState advances the current session's state.
func (m *Manager) UpdateState(state State) error {
	if m.current == nil {
		return eris.New("session: no active session")
	}
	m.current.State = state
	return m.save(m.current)
}

// StartBatch registers a new batch on the current session.
func (m *Manager) StartBatch(source string) (string, error) {
	if m.current == nil {
		return "", eris.New("session: no active session")
	}
	batchID := uuid.NewString()
	m.current.Batches = append(m.current.Batches, BatchInfo{
		BatchID:   batchID,
		Source:    source,
		StartedAt: time.Now().UTC(),
	})
	if err := m.save(m.current); err != nil {
		return "", err
	}
	return batchID, nil
}

// CompleteBatch stamps the batch's completion time.
func (m *Manager) CompleteBatch(batchID string) error {
	if m.current == nil {
		return eris.New("session: no active session")
	}
	for i := range m.current.Batches {
		if m.current.Batches[i].BatchID == batchID {
			now := time.Now().UTC()
			m.current.Batches[i].CompletedAt = &now
			return m.save(m.current)
		}
	}
	return eris.Errorf("session: unknown batch %s", batchID)
}

// AddStats bumps the session counters.
func (m *Manager) AddStats(entities, staged, applied, questions int) error {
	if m.current == nil {
		return eris.New("session: no active session")
	}
	m.current.EntitiesProcessed += entities
	m.current.OperationsStaged += staged
	m.current.OperationsApplied += applied
	m.current.QuestionsRaised += questions
	return m.save(m.current)
}

// Complete finalizes the current session and emits session_complete.
func (m *Manager) Complete() error {
	if m.current == nil {
		return eris.New("session: no active session")
	}
	m.current.State = StateCompleted
	if err := m.save(m.current); err != nil {
		return err
	}
	m.hooks.EmitSimple("session_complete", map[string]any{
		"session_id":         m.current.SessionID,
		"entities_processed": m.current.EntitiesProcessed,
		"operations_applied": m.current.OperationsApplied,
	}, "", m.current.SessionID)
	return nil
}

// Fail marks the current session failed with the given message and emits
// session_failed.
func (m *Manager) Fail(message string) error {
	if m.current == nil {
		return eris.New("session: no active session")
	}
	m.current.State = StateFailed
	m.current.Error = message
	if err := m.save(m.current); err != nil {
		return err
	}
	m.hooks.EmitSimple("session_failed", map[string]any{
		"session_id": m.current.SessionID,
		"error":      message,
	}, "", m.current.SessionID)
	return nil
}

// List returns up to limit sessions, newest first.
func (m *Manager) List(limit int) ([]Data, error) {
	files, err := filepath.Glob(filepath.Join(m.dir, "session_*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "session: glob")
	}
	var sessions []Data
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var s Data
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// Resumable returns sessions that stopped mid-run (neither completed nor
// failed), newest first.
func (m *Manager) Resumable() ([]Data, error) {
	sessions, err := m.List(0)
	if err != nil {
		return nil, err
	}
	var resumable []Data
	for _, s := range sessions {
		if s.State != StateCompleted && s.State != StateFailed {
			resumable = append(resumable, s)
		}
	}
	return resumable, nil
}

func (m *Manager) pathFor(sessionID string) string {
	return filepath.Join(m.dir, "session_"+sessionID+".json")
}

func (m *Manager) save(s *Data) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "session: marshal")
	}
	if err := os.WriteFile(m.pathFor(s.SessionID), data, 0o644); err != nil {
		return eris.Wrapf(err, "session: write %s", s.SessionID)
	}
	return nil
}
