// Package index builds the in-memory match index the strategies search.
// One Entry per known entity: display name, aliases, and the non-generic
// email domains seen on its contacts.
package index

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Entry is one indexed entity.
type Entry struct {
	// Path is the unique entity locator, e.g. "customers/strategic/acme_corp".
	Path         string
	Name         string
	Aliases      []string
	EmailDomains []string
}

// Index maps entity path to its entry. Entries are keyed by path because
// the path is the one locator every downstream component shares.
type Index map[string]Entry

// Paths returns the entry keys in sorted order, for deterministic iteration
// in tests and dry runs.
func (ix Index) Paths() []string {
	paths := make([]string, 0, len(ix))
	for p := range ix {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// AliasTable maps canonical entity path to the aliases it is known under.
// Loaded from an external YAML file maintained alongside the graph.
type AliasTable map[string][]string

// LoadAliasTable reads an alias table from a YAML file. A missing path is
// not an error; it yields an empty table.
func LoadAliasTable(path string) (AliasTable, error) {
	if path == "" {
		return AliasTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AliasTable{}, nil
		}
		return nil, eris.Wrapf(err, "index: read alias table %s", path)
	}

	var table AliasTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, eris.Wrapf(err, "index: parse alias table %s", path)
	}
	if table == nil {
		table = AliasTable{}
	}
	return table, nil
}

// DomainFromEmail extracts the lowercased domain part of an email address,
// or "" if the address has no @.
func DomainFromEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
