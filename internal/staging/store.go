// Package staging persists proposed entity operations and the human-review
// question queue in a shared SQLite database. Rows in staged_operations are
// never deleted; the table doubles as the audit trail of what the pipeline
// intended to do.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// Store implements the staging database using modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

// Open opens the staging database at the given path and configures WAL mode
// with a busy timeout, so a CLI process and a long-lived server can share
// the file without application-level locks.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "staging: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "staging: exec %s", pragma)
		}
	}
	return &Store{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS staged_operations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id        TEXT NOT NULL,
	entity_name     TEXT NOT NULL,
	action          TEXT NOT NULL,
	target_path     TEXT,
	confidence      REAL NOT NULL,
	reasoning       TEXT,
	entity_data     TEXT NOT NULL,
	candidates_data TEXT,
	status          TEXT NOT NULL DEFAULT 'staged',
	priority        INTEGER NOT NULL DEFAULT 3,
	created_at      DATETIME NOT NULL,
	applied_at      DATETIME,
	error_message   TEXT
);

CREATE TABLE IF NOT EXISTS question_queue (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id         TEXT NOT NULL,
	staged_op_id     INTEGER REFERENCES staged_operations(id),
	question_type    TEXT NOT NULL,
	question_text    TEXT NOT NULL,
	context_data     TEXT,
	suggested_action TEXT,
	confidence       REAL,
	priority         INTEGER NOT NULL DEFAULT 50,
	status           TEXT NOT NULL DEFAULT 'pending',
	user_answer      TEXT,
	answered_at      DATETIME,
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_staged_batch ON staged_operations(batch_id);
CREATE INDEX IF NOT EXISTS idx_staged_status ON staged_operations(status);
CREATE INDEX IF NOT EXISTS idx_staged_priority ON staged_operations(priority, id);
CREATE INDEX IF NOT EXISTS idx_question_batch ON question_queue(batch_id);
CREATE INDEX IF NOT EXISTS idx_question_status ON question_queue(status);
CREATE INDEX IF NOT EXISTS idx_question_priority ON question_queue(priority, id);
CREATE INDEX IF NOT EXISTS idx_question_staged_op ON question_queue(staged_op_id);
`

// Migrate creates the staged_operations and question_queue tables.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "staging: migrate")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StageParams are the inputs for staging one operation. Priority is not a
// parameter: it is derived from the action at write time so the ordering
// invariant holds by construction.
type StageParams struct {
	BatchID    string
	EntityName string
	Action     model.Action
	TargetPath string
	Confidence float64
	Reasoning  string
	Entity     model.ExtractedEntity
	Candidates []model.MatchCandidate
	Status     model.OpStatus
}

// Stage inserts a staged operation and returns its id.
func (s *Store) Stage(ctx context.Context, p StageParams) (int64, error) {
	if p.Status == "" {
		p.Status = model.OpStatusStaged
	}

	entityJSON, err := json.Marshal(p.Entity)
	if err != nil {
		return 0, eris.Wrap(err, "staging: marshal entity")
	}
	candidatesJSON, err := json.Marshal(p.Candidates)
	if err != nil {
		return 0, eris.Wrap(err, "staging: marshal candidates")
	}

	var target sql.NullString
	if p.TargetPath != "" {
		target = sql.NullString{String: p.TargetPath, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO staged_operations (
			batch_id, entity_name, action, target_path,
			confidence, reasoning, entity_data, candidates_data,
			status, priority, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.BatchID, p.EntityName, string(p.Action), target,
		p.Confidence, p.Reasoning, string(entityJSON), string(candidatesJSON),
		string(p.Status), model.PriorityForAction(p.Action), time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "staging: stage %s", p.EntityName)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "staging: last insert id")
	}
	return id, nil
}

const opColumns = `id, batch_id, entity_name, action, target_path,
	confidence, reasoning, entity_data, candidates_data,
	status, priority, created_at, applied_at, error_message`

// Get returns a single operation by id, or nil if not found.
func (s *Store) Get(ctx context.Context, opID int64) (*model.StagedOperation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+opColumns+` FROM staged_operations WHERE id = ?`, opID)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "staging: get operation %d", opID)
	}
	return op, nil
}

// GetReady returns ready operations ordered by (priority asc, id asc): all
// merges, then all updates, then all creates, FIFO within each class.
func (s *Store) GetReady(ctx context.Context, batchID string) ([]model.StagedOperation, error) {
	query := `SELECT ` + opColumns + ` FROM staged_operations WHERE status = 'ready'`
	var args []any
	if batchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY priority ASC, id ASC`

	return s.queryOperations(ctx, query, args...)
}

// GetBatch returns all operations for a batch, optionally filtered by
// status, in execution order.
func (s *Store) GetBatch(ctx context.Context, batchID string, status model.OpStatus) ([]model.StagedOperation, error) {
	query := `SELECT ` + opColumns + ` FROM staged_operations WHERE batch_id = ?`
	args := []any{batchID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority ASC, id ASC`

	return s.queryOperations(ctx, query, args...)
}

// UpdateStatus transitions an operation's status. Applied operations get
// applied_at stamped; failed ones record the error message.
func (s *Store) UpdateStatus(ctx context.Context, opID int64, status model.OpStatus, errorMessage string) error {
	var res sql.Result
	var err error

	switch {
	case status == model.OpStatusApplied:
		res, err = s.db.ExecContext(ctx,
			`UPDATE staged_operations SET status = ?, applied_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), opID)
	case errorMessage != "":
		res, err = s.db.ExecContext(ctx,
			`UPDATE staged_operations SET status = ?, error_message = ? WHERE id = ?`,
			string(status), errorMessage, opID)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE staged_operations SET status = ? WHERE id = ?`,
			string(status), opID)
	}
	if err != nil {
		return eris.Wrapf(err, "staging: update status %d", opID)
	}
	return checkRowsAffected(res, "operation", opID)
}

// CountByStatus returns operation counts grouped by status, optionally for
// one batch. Counts reflect committed state only.
func (s *Store) CountByStatus(ctx context.Context, batchID string) (map[model.OpStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM staged_operations`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: count by status")
	}
	defer rows.Close()

	counts := make(map[model.OpStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "staging: scan count")
		}
		counts[model.OpStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "staging: count iterate")
}

// BatchSummary is an aggregate view over one batch.
type BatchSummary struct {
	BatchID     string     `json:"batch_id"`
	Total       int        `json:"total"`
	Applied     int        `json:"applied"`
	Failed      int        `json:"failed"`
	Pending     int        `json:"pending_review"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecentBatches returns summaries of the most recent batches.
func (s *Store) RecentBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			batch_id,
			COUNT(*),
			SUM(CASE WHEN status = 'applied' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'pending_review' THEN 1 ELSE 0 END),
			MIN(created_at),
			MAX(applied_at)
		FROM staged_operations
		GROUP BY batch_id
		ORDER BY MIN(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "staging: recent batches")
	}
	defer rows.Close()

	var summaries []BatchSummary
	for rows.Next() {
		var b BatchSummary
		var completed sql.NullTime
		if err := rows.Scan(&b.BatchID, &b.Total, &b.Applied, &b.Failed, &b.Pending, &b.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "staging: scan batch summary")
		}
		if completed.Valid {
			b.CompletedAt = &completed.Time
		}
		summaries = append(summaries, b)
	}
	return summaries, eris.Wrap(rows.Err(), "staging: recent batches iterate")
}

// helpers

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]model.StagedOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: query operations")
	}
	defer rows.Close()

	var ops []model.StagedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "staging: scan operation")
		}
		ops = append(ops, *op)
	}
	return ops, eris.Wrap(rows.Err(), "staging: operations iterate")
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOperation(row scannable) (*model.StagedOperation, error) {
	var op model.StagedOperation
	var action, status string
	var target, reasoning, errMsg sql.NullString
	var entityJSON string
	var candidatesJSON sql.NullString
	var appliedAt sql.NullTime

	err := row.Scan(
		&op.ID, &op.BatchID, &op.EntityName, &action, &target,
		&op.Confidence, &reasoning, &entityJSON, &candidatesJSON,
		&status, &op.Priority, &op.CreatedAt, &appliedAt, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	op.Action = model.Action(action)
	op.Status = model.OpStatus(status)
	op.TargetPath = target.String
	op.Reasoning = reasoning.String
	op.ErrorMessage = errMsg.String
	if appliedAt.Valid {
		op.AppliedAt = &appliedAt.Time
	}

	if err := json.Unmarshal([]byte(entityJSON), &op.EntityData); err != nil {
		return nil, eris.Wrap(err, "staging: unmarshal entity data")
	}
	if candidatesJSON.Valid && candidatesJSON.String != "" {
		if err := json.Unmarshal([]byte(candidatesJSON.String), &op.CandidatesData); err != nil {
			return nil, eris.Wrap(err, "staging: unmarshal candidates data")
		}
	}
	return &op, nil
}
