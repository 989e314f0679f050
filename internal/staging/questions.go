package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// QuestionParams are the inputs for enqueuing one review question.
// Priority is derived from confidence so the least-confident decisions
// surface first.
type QuestionParams struct {
	BatchID         string
	StagedOpID      *int64
	QuestionType    model.QuestionType
	QuestionText    string
	Context         map[string]any
	SuggestedAction string
	Confidence      float64
}

// AddQuestion enqueues a review question and returns its id.
func (s *Store) AddQuestion(ctx context.Context, p QuestionParams) (int64, error) {
	contextJSON, err := json.Marshal(p.Context)
	if err != nil {
		return 0, eris.Wrap(err, "staging: marshal question context")
	}

	var opID sql.NullInt64
	if p.StagedOpID != nil {
		opID = sql.NullInt64{Int64: *p.StagedOpID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO question_queue (
			batch_id, staged_op_id, question_type, question_text,
			context_data, suggested_action, confidence, priority,
			status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		p.BatchID, opID, string(p.QuestionType), p.QuestionText,
		string(contextJSON), p.SuggestedAction, p.Confidence,
		model.QuestionPriority(p.Confidence), time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "staging: add question")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "staging: question insert id")
	}
	return id, nil
}

const questionColumns = `id, batch_id, staged_op_id, question_type,
	question_text, context_data, suggested_action, confidence,
	priority, status, user_answer, answered_at, created_at`

// NextQuestion returns the highest-priority pending question (lowest
// priority value, then lowest id), or nil when the queue is drained.
func (s *Store) NextQuestion(ctx context.Context, batchID string) (*model.PendingQuestion, error) {
	query := `SELECT ` + questionColumns + ` FROM question_queue WHERE status = 'pending'`
	var args []any
	if batchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY priority ASC, id ASC LIMIT 1`

	q, err := scanQuestion(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "staging: next question")
	}
	return q, nil
}

// PendingQuestions returns all pending questions in review order.
func (s *Store) PendingQuestions(ctx context.Context, batchID string) ([]model.PendingQuestion, error) {
	query := `SELECT ` + questionColumns + ` FROM question_queue WHERE status = 'pending'`
	var args []any
	if batchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY priority ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "staging: pending questions")
	}
	defer rows.Close()

	var questions []model.PendingQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "staging: scan question")
		}
		questions = append(questions, *q)
	}
	return questions, eris.Wrap(rows.Err(), "staging: questions iterate")
}

// QuestionsForOperation returns the questions linked to a staged operation.
func (s *Store) QuestionsForOperation(ctx context.Context, opID int64) ([]model.PendingQuestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM question_queue
		WHERE staged_op_id = ? ORDER BY id ASC`, opID)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: questions for operation %d", opID)
	}
	defer rows.Close()

	var questions []model.PendingQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "staging: scan question")
		}
		questions = append(questions, *q)
	}
	return questions, eris.Wrap(rows.Err(), "staging: questions iterate")
}

// Answer records the user's answer and, if the question is linked to a
// staged operation, releases that operation: rejecting answers move it to
// rejected, anything else to ready.
func (s *Store) Answer(ctx context.Context, questionID int64, answer string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "staging: begin answer")
	}
	defer tx.Rollback()

	var opID sql.NullInt64
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT staged_op_id, status FROM question_queue WHERE id = ?`, questionID).
		Scan(&opID, &status)
	if err == sql.ErrNoRows {
		return eris.Errorf("question not found: %d", questionID)
	}
	if err != nil {
		return eris.Wrapf(err, "staging: load question %d", questionID)
	}
	if status != string(model.QuestionStatusPending) {
		return eris.Errorf("question %d is not pending: %s", questionID, status)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE question_queue SET status = 'answered', user_answer = ?, answered_at = ?
		WHERE id = ?`, answer, time.Now().UTC(), questionID)
	if err != nil {
		return eris.Wrapf(err, "staging: answer question %d", questionID)
	}
	if err := checkRowsAffected(res, "question", questionID); err != nil {
		return err
	}

	if opID.Valid {
		opStatus := model.OpStatusReady
		if isRejection(answer) {
			opStatus = model.OpStatusRejected
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE staged_operations SET status = ? WHERE id = ?`,
			string(opStatus), opID.Int64); err != nil {
			return eris.Wrapf(err, "staging: release operation %d", opID.Int64)
		}
	}

	return eris.Wrap(tx.Commit(), "staging: commit answer")
}

// isRejection interprets an answer conservatively: only an explicit "no"
// rejects the operation, so a clarifying comment does not discard work.
func isRejection(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "reject", "rejected", "no":
		return true
	}
	return false
}

// Skip marks a question skipped without touching its linked operation.
func (s *Store) Skip(ctx context.Context, questionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE question_queue SET status = 'skipped' WHERE id = ? AND status = 'pending'`,
		questionID)
	if err != nil {
		return eris.Wrapf(err, "staging: skip question %d", questionID)
	}
	return checkRowsAffected(res, "question", questionID)
}

// ExpireOld marks pending questions older than maxAge as expired and
// returns how many were expired.
func (s *Store) ExpireOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`UPDATE question_queue SET status = 'expired'
		WHERE status = 'pending' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "staging: expire questions")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "staging: expire rows affected")
}

// ReconcileQuestion builds the standard review question for an ambiguous
// decision, listing the top candidates the reviewer should weigh.
func ReconcileQuestion(op model.StagedOperation) QuestionParams {
	var b strings.Builder
	fmt.Fprintf(&b, "Should %q be %sd", op.EntityName, op.Action)
	if op.TargetPath != "" {
		fmt.Fprintf(&b, " into %s", op.TargetPath)
	}
	fmt.Fprintf(&b, "? (confidence %.2f)", op.Confidence)

	candidates := op.CandidatesData
	if len(candidates) > 5 {
		candidates = candidates[:5]
	}
	contextData := map[string]any{
		"entity_name": op.EntityName,
		"action":      string(op.Action),
		"reasoning":   op.Reasoning,
	}
	if len(candidates) > 0 {
		list := make([]map[string]any, 0, len(candidates))
		for _, c := range candidates {
			list = append(list, map[string]any{
				"path":  c.CandidatePath,
				"name":  c.CandidateName,
				"type":  string(c.MatchType),
				"score": c.MatchScore,
			})
		}
		contextData["candidates"] = list
	}

	opID := op.ID
	return QuestionParams{
		BatchID:         op.BatchID,
		StagedOpID:      &opID,
		QuestionType:    model.QuestionTypeReconcile,
		QuestionText:    b.String(),
		Context:         contextData,
		SuggestedAction: string(op.Action),
		Confidence:      op.Confidence,
	}
}

func scanQuestion(row scannable) (*model.PendingQuestion, error) {
	var q model.PendingQuestion
	var opID sql.NullInt64
	var qtype, status string
	var contextJSON, suggested, answer sql.NullString
	var confidence sql.NullFloat64
	var answeredAt sql.NullTime

	err := row.Scan(
		&q.ID, &q.BatchID, &opID, &qtype,
		&q.QuestionText, &contextJSON, &suggested, &confidence,
		&q.Priority, &status, &answer, &answeredAt, &q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	q.QuestionType = model.QuestionType(qtype)
	q.Status = model.QuestionStatus(status)
	q.SuggestedAction = suggested.String
	q.UserAnswer = answer.String
	q.Confidence = confidence.Float64
	if opID.Valid {
		q.StagedOpID = &opID.Int64
	}
	if answeredAt.Valid {
		q.AnsweredAt = &answeredAt.Time
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &q.Context); err != nil {
			return nil, eris.Wrap(err, "staging: unmarshal question context")
		}
	}
	return &q, nil
}
