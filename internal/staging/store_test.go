package staging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func stageOp(t *testing.T, s *Store, batchID string, action model.Action, name string, status model.OpStatus) int64 {
	t.Helper()
	id, err := s.Stage(context.Background(), StageParams{
		BatchID:    batchID,
		EntityName: name,
		Action:     action,
		TargetPath: "customers/" + name,
		Confidence: 0.9,
		Reasoning:  "test",
		Entity:     model.ExtractedEntity{Name: name, EntityType: "customer"},
		Status:     status,
	})
	require.NoError(t, err)
	return id
}

func TestStage_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entity := model.ExtractedEntity{
		Name:       "Acme Corp",
		EntityType: "customer",
		Tier:       "strategic",
		Contacts:   []model.Contact{{Name: "Jo", Email: "jo@acme.com"}},
		Confidence: 0.92,
		SourceID:   "meeting-42",
	}
	candidate, err := model.NewMatchCandidate(
		"customers/acme_corporation", "Acme Corporation",
		model.MatchTypeAlias, 1.0, map[string]any{"matched_alias": "Acme Corp"})
	require.NoError(t, err)

	id, err := s.Stage(ctx, StageParams{
		BatchID:    "batch-1",
		EntityName: "Acme Corp",
		Action:     model.ActionMerge,
		TargetPath: "customers/acme_corporation",
		Confidence: 1.0,
		Reasoning:  "exact alias match",
		Entity:     entity,
		Candidates: []model.MatchCandidate{candidate},
	})
	require.NoError(t, err)

	op, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "batch-1", op.BatchID)
	assert.Equal(t, model.ActionMerge, op.Action)
	assert.Equal(t, "customers/acme_corporation", op.TargetPath)
	assert.Equal(t, model.OpStatusStaged, op.Status)
	assert.Equal(t, 1, op.Priority)
	assert.Equal(t, entity.Contacts, op.EntityData.Contacts)
	require.Len(t, op.CandidatesData, 1)
	assert.Equal(t, 1.0, op.CandidatesData[0].MatchScore)
	assert.Nil(t, op.AppliedAt)
}

func TestGet_NotFound(t *testing.T) {
	s := testStore(t)

	op, err := s.Get(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestGetReady_PriorityOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Staged in "wrong" order: create first, then merge, then update.
	createID := stageOp(t, s, "batch-1", model.ActionCreate, "newco", model.OpStatusReady)
	mergeID := stageOp(t, s, "batch-1", model.ActionMerge, "acme", model.OpStatusReady)
	updateID := stageOp(t, s, "batch-1", model.ActionUpdate, "bigco", model.OpStatusReady)
	stageOp(t, s, "batch-1", model.ActionCreate, "not-ready", model.OpStatusStaged)

	ops, err := s.GetReady(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, mergeID, ops[0].ID)
	assert.Equal(t, updateID, ops[1].ID)
	assert.Equal(t, createID, ops[2].ID)
}

func TestGetReady_FIFOWithinPriority(t *testing.T) {
	s := testStore(t)

	first := stageOp(t, s, "b", model.ActionCreate, "one", model.OpStatusReady)
	second := stageOp(t, s, "b", model.ActionCreate, "two", model.OpStatusReady)

	ops, err := s.GetReady(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first, ops[0].ID)
	assert.Equal(t, second, ops[1].ID)
}

func TestUpdateStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := stageOp(t, s, "b", model.ActionCreate, "newco", model.OpStatusReady)

	require.NoError(t, s.UpdateStatus(ctx, id, model.OpStatusApplied, ""))
	op, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusApplied, op.Status)
	require.NotNil(t, op.AppliedAt)

	failedID := stageOp(t, s, "b", model.ActionCreate, "other", model.OpStatusReady)
	require.NoError(t, s.UpdateStatus(ctx, failedID, model.OpStatusFailed, "target missing"))
	op, err = s.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusFailed, op.Status)
	assert.Equal(t, "target missing", op.ErrorMessage)

	assert.Error(t, s.UpdateStatus(ctx, 999, model.OpStatusApplied, ""))
}

func TestCountByStatus(t *testing.T) {
	s := testStore(t)

	stageOp(t, s, "b1", model.ActionCreate, "a", model.OpStatusReady)
	stageOp(t, s, "b1", model.ActionCreate, "b", model.OpStatusReady)
	stageOp(t, s, "b1", model.ActionMerge, "c", model.OpStatusPendingReview)
	stageOp(t, s, "b2", model.ActionCreate, "d", model.OpStatusReady)

	counts, err := s.CountByStatus(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.OpStatusReady])
	assert.Equal(t, 1, counts[model.OpStatusPendingReview])

	all, err := s.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, all[model.OpStatusReady])
}

func TestRecentBatches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := stageOp(t, s, "b1", model.ActionCreate, "a", model.OpStatusReady)
	require.NoError(t, s.UpdateStatus(ctx, id, model.OpStatusApplied, ""))
	stageOp(t, s, "b1", model.ActionCreate, "b", model.OpStatusFailed)

	batches, err := s.RecentBatches(ctx, 5)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "b1", batches[0].BatchID)
	assert.Equal(t, 2, batches[0].Total)
	assert.Equal(t, 1, batches[0].Applied)
	assert.Equal(t, 1, batches[0].Failed)
	require.NotNil(t, batches[0].CompletedAt)
}

func TestQuestions_PriorityOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	add := func(conf float64) int64 {
		id, err := s.AddQuestion(ctx, QuestionParams{
			BatchID:      "b",
			QuestionType: model.QuestionTypeReconcile,
			QuestionText: "?",
			Confidence:   conf,
		})
		require.NoError(t, err)
		return id
	}

	high := add(0.92)
	low := add(0.55)
	mid := add(0.80)

	// Lowest confidence surfaces first.
	q, err := s.NextQuestion(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, low, q.ID)
	assert.Equal(t, 55, q.Priority)

	pending, err := s.PendingQuestions(ctx, "b")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []int64{low, mid, high},
		[]int64{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestAnswer_ReleasesOperation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	opID := stageOp(t, s, "b", model.ActionMerge, "acme", model.OpStatusPendingReview)
	qID, err := s.AddQuestion(ctx, QuestionParams{
		BatchID:      "b",
		StagedOpID:   &opID,
		QuestionType: model.QuestionTypeReconcile,
		QuestionText: "merge?",
		Confidence:   0.7,
	})
	require.NoError(t, err)

	require.NoError(t, s.Answer(ctx, qID, "yes, go ahead"))

	op, err := s.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusReady, op.Status)

	qs, err := s.QuestionsForOperation(ctx, opID)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, model.QuestionStatusAnswered, qs[0].Status)
	assert.Equal(t, "yes, go ahead", qs[0].UserAnswer)
	require.NotNil(t, qs[0].AnsweredAt)

	// Already answered.
	assert.Error(t, s.Answer(ctx, qID, "again"))
}

func TestAnswer_RejectionRejectsOperation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, answer := range []string{"reject", "Rejected", " no "} {
		opID := stageOp(t, s, "b", model.ActionMerge, "acme", model.OpStatusPendingReview)
		qID, err := s.AddQuestion(ctx, QuestionParams{
			BatchID:      "b",
			StagedOpID:   &opID,
			QuestionType: model.QuestionTypeReconcile,
			QuestionText: "merge?",
			Confidence:   0.7,
		})
		require.NoError(t, err)

		require.NoError(t, s.Answer(ctx, qID, answer))
		op, err := s.Get(ctx, opID)
		require.NoError(t, err)
		assert.Equal(t, model.OpStatusRejected, op.Status, "answer %q", answer)
	}
}

func TestSkip_LeavesOperationAlone(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	opID := stageOp(t, s, "b", model.ActionMerge, "acme", model.OpStatusPendingReview)
	qID, err := s.AddQuestion(ctx, QuestionParams{
		BatchID:      "b",
		StagedOpID:   &opID,
		QuestionType: model.QuestionTypeReconcile,
		QuestionText: "merge?",
		Confidence:   0.7,
	})
	require.NoError(t, err)

	require.NoError(t, s.Skip(ctx, qID))

	op, err := s.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPendingReview, op.Status)

	next, err := s.NextQuestion(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestExpireOld(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.AddQuestion(ctx, QuestionParams{
		BatchID:      "b",
		QuestionType: model.QuestionTypeOther,
		QuestionText: "stale?",
		Confidence:   0.5,
	})
	require.NoError(t, err)

	// Nothing is older than an hour yet.
	n, err := s.ExpireOld(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Everything is older than a negative age.
	n, err = s.ExpireOld(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	next, err := s.NextQuestion(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestReconcileQuestion(t *testing.T) {
	candidate, err := model.NewMatchCandidate(
		"customers/acme_corporation", "Acme Corporation",
		model.MatchTypeFuzzyName, 0.92, nil)
	require.NoError(t, err)

	op := model.StagedOperation{
		ID:             7,
		BatchID:        "b",
		EntityName:     "Acme Corp",
		Action:         model.ActionMerge,
		TargetPath:     "customers/acme_corporation",
		Confidence:     0.72,
		Reasoning:      "fuzzy match",
		CandidatesData: []model.MatchCandidate{candidate},
	}

	p := ReconcileQuestion(op)
	assert.Equal(t, "b", p.BatchID)
	require.NotNil(t, p.StagedOpID)
	assert.Equal(t, int64(7), *p.StagedOpID)
	assert.Equal(t, model.QuestionTypeReconcile, p.QuestionType)
	assert.Contains(t, p.QuestionText, "Acme Corp")
	assert.Contains(t, p.QuestionText, "customers/acme_corporation")
	assert.Equal(t, "merge", p.SuggestedAction)
	assert.Equal(t, 0.72, p.Confidence)
	assert.Contains(t, p.Context, "candidates")
}
