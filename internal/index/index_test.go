package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/entitystore"
	"github.com/sells-group/reconcile-cli/internal/model"
)

func TestDomainFromEmail(t *testing.T) {
	assert.Equal(t, "acme.com", DomainFromEmail("jo@acme.com"))
	assert.Equal(t, "acme.com", DomainFromEmail("jo@ACME.com"))
	assert.Equal(t, "", DomainFromEmail("not-an-email"))
	assert.Equal(t, "", DomainFromEmail("trailing@"))
}

func TestLoadAliasTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"customers/acme_corporation:\n  - Acme Corp\n  - ACME\n"), 0o644))

	table, err := LoadAliasTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Corp", "ACME"}, table["customers/acme_corporation"])
}

func TestLoadAliasTable_Missing(t *testing.T) {
	table, err := LoadAliasTable(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, table)

	table, err = LoadAliasTable("")
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestLoadAliasTable_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := LoadAliasTable(path)
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	store, err := entitystore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.WriteEntity("customers/acme", &entitystore.Entity{
		Name:    "Acme Corporation",
		Aliases: []string{"Acme Corp"},
		Contacts: []model.Contact{
			{Name: "Jo", Email: "jo@acme.com"},
			{Name: "Pat", Email: "pat@acme.com"},
			{Name: "NoMail"},
		},
	}))
	require.NoError(t, store.WriteEntity("suppliers/port_group", &entitystore.Entity{
		Name: "Port Group USA",
	}))

	ix, err := Build(store)
	require.NoError(t, err)
	require.Len(t, ix, 2)

	acme := ix["customers/acme"]
	assert.Equal(t, "Acme Corporation", acme.Name)
	assert.Equal(t, []string{"Acme Corp"}, acme.Aliases)
	assert.Equal(t, []string{"acme.com"}, acme.EmailDomains)

	assert.Equal(t, []string{"customers/acme", "suppliers/port_group"}, ix.Paths())
}
