package match

import (
	"sort"

	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/model"
)

// domainBase and domainSpan bound email-domain scores to [0.85, 0.95]:
// shared corporate mail is strong evidence but never certainty.
const (
	domainBase = 0.85
	domainSpan = 0.10
	domainMax  = 0.95
)

// DomainStrategy matches by overlap of non-generic email domains between
// the query entity's contacts and each candidate's stored domains.
type DomainStrategy struct {
	generic map[string]bool
}

// NewDomainStrategy builds a domain strategy ignoring the given generic
// provider domains (gmail.com, yahoo.com, ...).
func NewDomainStrategy(genericDomains []string) *DomainStrategy {
	generic := make(map[string]bool, len(genericDomains))
	for _, d := range genericDomains {
		generic[d] = true
	}
	return &DomainStrategy{generic: generic}
}

func (s *DomainStrategy) Name() string { return string(model.MatchTypeEmailDomain) }

func (s *DomainStrategy) ScoreRange() (float64, float64) { return domainBase, domainMax }

func (s *DomainStrategy) extractDomains(contacts []model.Contact) map[string]bool {
	domains := make(map[string]bool)
	for _, c := range contacts {
		d := index.DomainFromEmail(c.Email)
		if d != "" && !s.generic[d] {
			domains[d] = true
		}
	}
	return domains
}

// FindMatches scores candidates sharing at least one domain with the query.
// Score grows with the overlap ratio: 0.85 + 0.10 * |∩| / max(|q|, |c|).
func (s *DomainStrategy) FindMatches(entity model.ExtractedEntity, ix index.Index, _ float64) ([]model.MatchCandidate, error) {
	queryDomains := s.extractDomains(entity.Contacts)
	if len(queryDomains) == 0 {
		return nil, nil
	}

	var candidates []model.MatchCandidate
	for _, path := range ix.Paths() {
		entry := ix[path]

		entryDomains := make(map[string]bool)
		for _, d := range entry.EmailDomains {
			if !s.generic[d] {
				entryDomains[d] = true
			}
		}
		if len(entryDomains) == 0 {
			continue
		}

		var overlap []string
		for d := range queryDomains {
			if entryDomains[d] {
				overlap = append(overlap, d)
			}
		}
		if len(overlap) == 0 {
			continue
		}
		sort.Strings(overlap)

		denom := len(queryDomains)
		if len(entryDomains) > denom {
			denom = len(entryDomains)
		}
		score := domainBase + domainSpan*float64(len(overlap))/float64(denom)
		if score > domainMax {
			score = domainMax
		}

		c, err := model.NewMatchCandidate(entry.Path, entry.Name, model.MatchTypeEmailDomain, score, map[string]any{
			"matched_domains":   overlap,
			"query_domains":     sortedKeys(queryDomains),
			"candidate_domains": sortedKeys(entryDomains),
		})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	sortCandidates(candidates)
	return candidates, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
