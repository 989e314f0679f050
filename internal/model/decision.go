package model

import "github.com/rotisserie/eris"

// Action is a reconciliation action.
type Action string

const (
	ActionMerge  Action = "merge"
	ActionUpdate Action = "update"
	ActionCreate Action = "create"
	ActionSkip   Action = "skip"
)

// ValidAction reports whether s names a known reconciliation action.
func ValidAction(s string) bool {
	switch Action(s) {
	case ActionMerge, ActionUpdate, ActionCreate, ActionSkip:
		return true
	}
	return false
}

// ReconcileDecision is the outcome of reconciling one extracted entity
// against the candidate set.
type ReconcileDecision struct {
	EntityName   string           `json:"entity_name"`
	Action       Action           `json:"action"`
	TargetPath   string           `json:"target_path,omitempty"`
	Confidence   float64          `json:"confidence"`
	Reasoning    string           `json:"reasoning"`
	NeedsReview  bool             `json:"needs_review"`
	SourceEntity ExtractedEntity  `json:"source_entity"`
	Candidates   []MatchCandidate `json:"candidates,omitempty"`
}

// NewReconcileDecision validates the required-field invariants: merge and
// update must name a target, and the action must be known.
func NewReconcileDecision(entity ExtractedEntity, action Action, targetPath string, confidence float64, reasoning string, needsReview bool, candidates []MatchCandidate) (ReconcileDecision, error) {
	if !ValidAction(string(action)) {
		return ReconcileDecision{}, eris.Errorf("model: unknown action %q for %s", action, entity.Name)
	}
	if (action == ActionMerge || action == ActionUpdate) && targetPath == "" {
		return ReconcileDecision{}, eris.Errorf("model: action %s requires a target path for %s", action, entity.Name)
	}
	return ReconcileDecision{
		EntityName:   entity.Name,
		Action:       action,
		TargetPath:   targetPath,
		Confidence:   confidence,
		Reasoning:    reasoning,
		NeedsReview:  needsReview,
		SourceEntity: entity,
		Candidates:   candidates,
	}, nil
}
