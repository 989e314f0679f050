package model

import (
	"math"
	"time"
)

// QuestionStatus is the lifecycle status of a review question.
type QuestionStatus string

const (
	QuestionStatusPending  QuestionStatus = "pending"
	QuestionStatusAnswered QuestionStatus = "answered"
	QuestionStatusSkipped  QuestionStatus = "skipped"
	QuestionStatusExpired  QuestionStatus = "expired"
)

// QuestionType classifies why a question was raised.
type QuestionType string

const (
	QuestionTypeReconcile QuestionType = "reconcile"
	QuestionTypeTier      QuestionType = "tier"
	QuestionTypeDuplicate QuestionType = "duplicate"
	QuestionTypeOther     QuestionType = "other"
)

// PendingQuestion is a human-review item linked to a staged operation.
type PendingQuestion struct {
	ID              int64          `json:"id"`
	BatchID         string         `json:"batch_id"`
	StagedOpID      *int64         `json:"staged_op_id,omitempty"`
	QuestionType    QuestionType   `json:"question_type"`
	QuestionText    string         `json:"question_text"`
	Context         map[string]any `json:"context,omitempty"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	Confidence      float64        `json:"confidence"`
	Priority        int            `json:"priority"`
	Status          QuestionStatus `json:"status"`
	UserAnswer      string         `json:"user_answer,omitempty"`
	AnsweredAt      *time.Time     `json:"answered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// QuestionPriority derives queue priority from decision confidence.
// Lower numbers are served first, so the least-confident decisions
// surface for review before more-confident ones.
func QuestionPriority(confidence float64) int {
	p := int(math.Round(confidence * 100))
	if p < 1 {
		p = 1
	}
	if p > 100 {
		p = 100
	}
	return p
}
