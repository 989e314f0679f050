package index

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/entitystore"
)

// Build walks the entity store and indexes every entity's name, aliases,
// and non-generic contact email domains.
func Build(store entitystore.Store) (Index, error) {
	paths, err := store.ListEntities()
	if err != nil {
		return nil, eris.Wrap(err, "index: list entities")
	}

	ix := make(Index, len(paths))
	for _, path := range paths {
		entity, err := store.ReadEntity(path)
		if err != nil {
			return nil, eris.Wrapf(err, "index: read %s", path)
		}

		seen := make(map[string]bool)
		var domains []string
		for _, c := range entity.Contacts {
			d := DomainFromEmail(c.Email)
			if d != "" && !seen[d] {
				seen[d] = true
				domains = append(domains, d)
			}
		}

		ix[path] = Entry{
			Path:         path,
			Name:         entity.Name,
			Aliases:      append([]string(nil), entity.Aliases...),
			EmailDomains: domains,
		}
	}

	zap.L().Debug("match index built", zap.Int("entities", len(ix)))
	return ix, nil
}
