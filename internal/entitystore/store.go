// Package entitystore persists entity documents. The reference
// implementation keeps one directory per entity under the store root, with
// a _meta.json document holding the structured fields.
package entitystore

import (
	"regexp"
	"strings"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// Entity is the persisted document for one entity.
type Entity struct {
	Name        string          `json:"name"`
	EntityType  string          `json:"entity_type,omitempty"`
	Tier        string          `json:"tier,omitempty"`
	Industry    string          `json:"industry,omitempty"`
	Contacts    []model.Contact `json:"contacts,omitempty"`
	Aliases     []string        `json:"aliases,omitempty"`
	Sources     []string        `json:"sources,omitempty"`
	Created     string          `json:"created"`
	LastUpdated string          `json:"last_updated"`
}

// Store is the persistence contract the executor and index builder depend
// on. Paths are store-relative, like "customers/strategic/acme_corp".
type Store interface {
	ReadEntity(path string) (*Entity, error)
	WriteEntity(path string, entity *Entity) error
	MergeEntity(path string, extracted model.ExtractedEntity, source string) error
	EntityExists(path string) bool
	ListEntities() ([]string, error)
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9\s]`)
var whitespace = regexp.MustCompile(`\s+`)
var repeatedUnderscores = regexp.MustCompile(`_+`)

// NormalizeEntityID converts a display name into a storage identifier:
// "Universal Robots A/S" becomes "universal_robots_as".
func NormalizeEntityID(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", " ")
	name = nonIDChars.ReplaceAllString(name, "")
	name = whitespace.ReplaceAllString(name, "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// mergeInto folds extracted data into an existing document: contacts are
// unioned with existing ones deduplicated by email, sources are a set
// union, and the extracted name joins the alias list when it is neither
// the document name nor an existing alias.
func mergeInto(target *Entity, extracted model.ExtractedEntity, source string) {
	seenEmails := make(map[string]bool)
	for _, c := range target.Contacts {
		if c.Email != "" {
			seenEmails[strings.ToLower(c.Email)] = true
		}
	}
	for _, c := range extracted.Contacts {
		email := strings.ToLower(c.Email)
		if email != "" && seenEmails[email] {
			continue
		}
		if email != "" {
			seenEmails[email] = true
		}
		target.Contacts = append(target.Contacts, c)
	}

	if source != "" && !containsFold(target.Sources, source) {
		target.Sources = append(target.Sources, source)
	}
	if extracted.SourceID != "" && !containsFold(target.Sources, extracted.SourceID) {
		target.Sources = append(target.Sources, extracted.SourceID)
	}

	if extracted.Name != "" &&
		!strings.EqualFold(extracted.Name, target.Name) &&
		!containsFold(target.Aliases, extracted.Name) {
		target.Aliases = append(target.Aliases, extracted.Name)
	}

	if target.Industry == "" {
		target.Industry = extracted.Industry
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
