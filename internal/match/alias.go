package match

import (
	"strings"

	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/model"
)

// AliasStrategy matches by exact equality against known aliases: the
// external alias table, each entry's own alias list, and the entry's
// display name. Any hit scores exactly 1.0.
type AliasStrategy struct {
	table index.AliasTable
}

// NewAliasStrategy builds an alias strategy over the given table. A nil
// table means only entry-level aliases and names are consulted.
func NewAliasStrategy(table index.AliasTable) *AliasStrategy {
	if table == nil {
		table = index.AliasTable{}
	}
	return &AliasStrategy{table: table}
}

func (s *AliasStrategy) Name() string { return string(model.MatchTypeAlias) }

func (s *AliasStrategy) ScoreRange() (float64, float64) { return 1.0, 1.0 }

func normalizeAlias(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FindMatches returns at most one candidate per index entry; the first
// source that hits (table, entry aliases, display name) wins.
func (s *AliasStrategy) FindMatches(entity model.ExtractedEntity, ix index.Index, _ float64) ([]model.MatchCandidate, error) {
	query := normalizeAlias(entity.Name)
	if query == "" {
		return nil, nil
	}

	seen := make(map[string]bool)
	var candidates []model.MatchCandidate

	add := func(entry index.Entry, matchedAlias, source string) error {
		if seen[entry.Path] {
			return nil
		}
		c, err := model.NewMatchCandidate(entry.Path, entry.Name, model.MatchTypeAlias, 1.0, map[string]any{
			"matched_alias": matchedAlias,
			"source":        source,
		})
		if err != nil {
			return err
		}
		seen[entry.Path] = true
		candidates = append(candidates, c)
		return nil
	}

	// External alias table.
	for path, aliases := range s.table {
		entry, ok := ix[path]
		if !ok {
			continue
		}
		for _, alias := range aliases {
			if normalizeAlias(alias) == query {
				if err := add(entry, alias, "alias_table"); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	// Entry-level aliases and display names.
	for _, path := range ix.Paths() {
		entry := ix[path]
		matched := false
		for _, alias := range entry.Aliases {
			if normalizeAlias(alias) == query {
				if err := add(entry, alias, "entity_aliases"); err != nil {
					return nil, err
				}
				matched = true
				break
			}
		}
		if !matched && normalizeAlias(entry.Name) == query {
			if err := add(entry, entry.Name, "exact_name"); err != nil {
				return nil, err
			}
		}
	}

	return candidates, nil
}
