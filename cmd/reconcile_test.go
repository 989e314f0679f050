package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEntities_Array(t *testing.T) {
	path := writeInput(t, `[{"name": "Acme Corp", "entity_type": "customer", "confidence": 0.9}]`)

	entities, err := loadEntities(path)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Acme Corp", entities[0].Name)
	assert.Equal(t, 0.9, entities[0].Confidence)
}

func TestLoadEntities_WrappedObject(t *testing.T) {
	path := writeInput(t, `{"entities": [{"name": "Globex"}, {"name": "Initech"}]}`)

	entities, err := loadEntities(path)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Initech", entities[1].Name)
}

func TestLoadEntities_MissingFile(t *testing.T) {
	_, err := loadEntities(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadEntities_Malformed(t *testing.T) {
	path := writeInput(t, `not json`)
	_, err := loadEntities(path)
	assert.Error(t, err)
}
