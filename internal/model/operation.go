package model

import "time"

// OpStatus is the lifecycle status of a staged operation.
type OpStatus string

const (
	OpStatusStaged        OpStatus = "staged"
	OpStatusReady         OpStatus = "ready"
	OpStatusPendingReview OpStatus = "pending_review"
	OpStatusApplied       OpStatus = "applied"
	OpStatusFailed        OpStatus = "failed"
	OpStatusRejected      OpStatus = "rejected"
)

// StagedOperation is a durable record of an intended store mutation.
// Rows are never deleted; status is the only mutable field, which keeps
// the table usable as an audit trail.
type StagedOperation struct {
	ID             int64            `json:"id"`
	BatchID        string           `json:"batch_id"`
	EntityName     string           `json:"entity_name"`
	Action         Action           `json:"action"`
	TargetPath     string           `json:"target_path,omitempty"`
	Confidence     float64          `json:"confidence"`
	Reasoning      string           `json:"reasoning,omitempty"`
	EntityData     ExtractedEntity  `json:"entity_data"`
	CandidatesData []MatchCandidate `json:"candidates_data,omitempty"`
	Status         OpStatus         `json:"status"`
	Priority       int              `json:"priority"`
	CreatedAt      time.Time        `json:"created_at"`
	AppliedAt      *time.Time       `json:"applied_at,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// PriorityForAction derives execution priority from the action type.
// Merges apply first because they shrink the candidate set; creates apply
// last so they cannot duplicate an entity a pending merge would absorb.
// Priority is never stored independently of the action.
func PriorityForAction(action Action) int {
	switch action {
	case ActionMerge:
		return 1
	case ActionUpdate:
		return 2
	default:
		return 3
	}
}
