// Package match scores candidate entities against a newly extracted entity.
// Each strategy is a pure function of its inputs; the only loaded state is
// the alias table handed to the alias strategy at construction.
package match

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/model"
)

// Strategy scores index entries against an extracted entity. Implementations
// return candidates in descending score order and must keep scores inside
// their declared range.
type Strategy interface {
	Name() string
	// ScoreRange declares the [min, max] scores this strategy may emit.
	ScoreRange() (float64, float64)
	FindMatches(entity model.ExtractedEntity, ix index.Index, threshold float64) ([]model.MatchCandidate, error)
}

// Registry holds the configured strategy set. It is constructed once at
// process start and passed by reference; there is no ambient global.
type Registry struct {
	strategies []Strategy
	byName     map[string]Strategy
}

// NewRegistry builds a registry from the given strategies, preserving order.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byName: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies = append(r.strategies, s)
		r.byName[s.Name()] = s
	}
	return r
}

// Get returns the named strategy, or an error if it is not registered.
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, eris.Errorf("match: unknown strategy %q", name)
	}
	return s, nil
}

// Names returns registered strategy names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	return names
}

// FindAll runs every registered strategy, merges candidate lists by path
// keeping the maximum score seen for each candidate, and returns the merged
// list sorted by descending score.
func (r *Registry) FindAll(entity model.ExtractedEntity, ix index.Index, threshold float64) ([]model.MatchCandidate, error) {
	best := make(map[string]model.MatchCandidate)

	for _, s := range r.strategies {
		candidates, err := s.FindMatches(entity, ix, threshold)
		if err != nil {
			return nil, eris.Wrapf(err, "match: strategy %s", s.Name())
		}
		for _, c := range candidates {
			if cur, ok := best[c.CandidatePath]; !ok || c.MatchScore > cur.MatchScore {
				best[c.CandidatePath] = c
			}
		}
	}

	merged := make([]model.MatchCandidate, 0, len(best))
	for _, c := range best {
		merged = append(merged, c)
	}
	sortCandidates(merged)
	return merged, nil
}

// sortCandidates orders by descending score, breaking ties by path so the
// result is deterministic.
func sortCandidates(candidates []model.MatchCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].MatchScore != candidates[j].MatchScore {
			return candidates[i].MatchScore > candidates[j].MatchScore
		}
		return candidates[i].CandidatePath < candidates[j].CandidatePath
	})
}
