package entitystore

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/model"
)

const metaFile = "_meta.json"

// FSStore stores each entity as a directory containing a _meta.json
// document under a single root.
type FSStore struct {
	root string
}

// NewFSStore opens (and if needed creates) a filesystem store rooted at
// root.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrap(err, "entitystore: create root")
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) metaPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path), metaFile)
}

// ReadEntity loads the document at path. A missing entity is an error;
// use EntityExists to probe.
func (s *FSStore) ReadEntity(path string) (*Entity, error) {
	data, err := os.ReadFile(s.metaPath(path))
	if err != nil {
		return nil, eris.Wrapf(err, "entitystore: read %s", path)
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, eris.Wrapf(err, "entitystore: parse %s", path)
	}
	return &e, nil
}

// WriteEntity persists the document at path, stamping created and
// last_updated dates.
func (s *FSStore) WriteEntity(path string, entity *Entity) error {
	now := time.Now().UTC().Format("2006-01-02")
	if entity.Created == "" {
		entity.Created = now
	}
	entity.LastUpdated = now

	metaPath := s.metaPath(path)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return eris.Wrapf(err, "entitystore: create dir for %s", path)
	}
	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "entitystore: marshal %s", path)
	}
	if err := os.WriteFile(metaPath, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "entitystore: write %s", path)
	}
	return nil
}

// MergeEntity folds the extracted entity into the existing document at
// path and re-persists it.
func (s *FSStore) MergeEntity(path string, extracted model.ExtractedEntity, source string) error {
	entity, err := s.ReadEntity(path)
	if err != nil {
		return eris.Wrapf(err, "entitystore: merge target %s", path)
	}
	mergeInto(entity, extracted, source)
	return s.WriteEntity(path, entity)
}

// EntityExists reports whether a document exists at path.
func (s *FSStore) EntityExists(path string) bool {
	_, err := os.Stat(s.metaPath(path))
	return err == nil
}

// ListEntities walks the store and returns every entity path, sorted.
func (s *FSStore) ListEntities() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != metaFile {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "entitystore: list entities")
	}
	sort.Strings(paths)
	return paths, nil
}

// Root returns the store root directory.
func (s *FSStore) Root() string { return s.root }

var _ Store = (*FSStore)(nil)

// PathFor builds an entity path from its directory, optional tier, and id.
func PathFor(directory, tier, entityID string) string {
	parts := []string{directory}
	if tier != "" {
		parts = append(parts, tier)
	}
	parts = append(parts, entityID)
	return strings.Join(parts, "/")
}
