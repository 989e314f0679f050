package model

import "github.com/rotisserie/eris"

// MatchType identifies which strategy produced a candidate.
type MatchType string

const (
	MatchTypeAlias       MatchType = "alias"
	MatchTypeFuzzyName   MatchType = "fuzzy_name"
	MatchTypeEmailDomain MatchType = "email_domain"
	// MatchTypeSemantic is reserved for a future embedding-based strategy.
	MatchTypeSemantic MatchType = "semantic"
)

// MatchCandidate is an existing entity proposed as a possible match for a
// newly extracted entity.
type MatchCandidate struct {
	CandidatePath string         `json:"candidate_path"`
	CandidateName string         `json:"candidate_name"`
	MatchType     MatchType      `json:"match_type"`
	MatchScore    float64        `json:"match_score"`
	MatchDetails  map[string]any `json:"match_details,omitempty"`
}

// NewMatchCandidate validates the score range at construction. Out-of-range
// scores are a programming error in a strategy and fail fast rather than
// being clamped.
func NewMatchCandidate(path, name string, matchType MatchType, score float64, details map[string]any) (MatchCandidate, error) {
	if score < 0.0 || score > 1.0 {
		return MatchCandidate{}, eris.Errorf("model: match score %.4f out of range [0,1] for %s", score, path)
	}
	return MatchCandidate{
		CandidatePath: path,
		CandidateName: name,
		MatchType:     matchType,
		MatchScore:    score,
		MatchDetails:  details,
	}, nil
}
