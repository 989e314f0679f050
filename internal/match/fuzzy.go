package match

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/model"
)

// corporateSuffixes are removed during normalization, in order, as plain
// substring replacements. The order matters: because " corp" runs before
// " corporation", both "Acme Corp" and "Acme Corporation" lose the same
// fragment, which keeps normalization symmetric for typo'd variants too.
var corporateSuffixes = []string{
	" inc", " inc.", " corp", " corp.", " llc", " ltd", " ltd.",
	" gmbh", " a/s", " co", " co.", " company", " corporation",
	" sa", " s.a.", " sas", " s.a.s",
}

// fuzzyCap keeps fuzzy scores below 1.0, which is reserved for exact alias
// matches. Identical normalized strings would otherwise score 1.0.
const fuzzyCap = 0.99

// FuzzyStrategy matches by edit-distance similarity on normalized names.
type FuzzyStrategy struct {
	threshold float64
}

// NewFuzzyStrategy builds a fuzzy name strategy with the given default
// threshold (used when the caller passes 0).
func NewFuzzyStrategy(threshold float64) *FuzzyStrategy {
	if threshold <= 0 {
		threshold = 0.85
	}
	return &FuzzyStrategy{threshold: threshold}
}

func (s *FuzzyStrategy) Name() string { return string(model.MatchTypeFuzzyName) }

func (s *FuzzyStrategy) ScoreRange() (float64, float64) { return s.threshold, fuzzyCap }

var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName lowercases, converts underscores to spaces, folds
// diacritics, strips corporate suffixes, drops non-alphanumerics, and
// collapses whitespace. Symmetric: "Port Group USA" and "port_group_usa"
// normalize identically.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", " ")
	if folded, _, err := transform.String(foldDiacritics, name); err == nil {
		name = folded
	}
	for _, suffix := range corporateSuffixes {
		name = strings.ReplaceAll(name, suffix, "")
	}
	var b strings.Builder
	for _, r := range name {
		if r == ' ' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func similarity(a, b string) float64 {
	score := levenshtein.Similarity(NormalizeName(a), NormalizeName(b), nil)
	if score > fuzzyCap {
		score = fuzzyCap
	}
	return score
}

// FindMatches scores the query name against each entry's name and aliases,
// keeping the best score per entry and recording which string matched.
func (s *FuzzyStrategy) FindMatches(entity model.ExtractedEntity, ix index.Index, threshold float64) ([]model.MatchCandidate, error) {
	if threshold <= 0 {
		threshold = s.threshold
	}
	if entity.Name == "" {
		return nil, nil
	}

	var candidates []model.MatchCandidate
	for _, path := range ix.Paths() {
		entry := ix[path]

		best := similarity(entity.Name, entry.Name)
		matched := entry.Name
		for _, alias := range entry.Aliases {
			if score := similarity(entity.Name, alias); score > best {
				best = score
				matched = alias
			}
		}

		if best < threshold {
			continue
		}
		c, err := model.NewMatchCandidate(entry.Path, entry.Name, model.MatchTypeFuzzyName, best, map[string]any{
			"matched_against":  matched,
			"query_name":       entity.Name,
			"normalized_query": NormalizeName(entity.Name),
			"normalized_match": NormalizeName(matched),
		})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	sortCandidates(candidates)
	return candidates, nil
}
