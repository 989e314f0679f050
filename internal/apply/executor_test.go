package apply

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/config"
	"github.com/sells-group/reconcile-cli/internal/entitystore"
	"github.com/sells-group/reconcile-cli/internal/hooks"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/staging"
)

func testGraph() config.GraphConfig {
	return config.GraphConfig{
		EntityTypes: map[string]config.EntityTypeConfig{
			"customer": {Directory: "customers", Tiered: true},
			"supplier": {Directory: "suppliers", Tiered: false},
		},
		Tiers: []string{"strategic", "standard", "prospects"},
	}
}

type fixture struct {
	staging  *staging.Store
	store    *entitystore.FSStore
	hooks    *hooks.Registry
	events   []string
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	store, err := entitystore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{staging: st, store: store, hooks: hooks.NewRegistry(nil)}
	for _, event := range hooks.ValidEvents() {
		event := event
		require.NoError(t, f.hooks.Register(event, "recorder", func(e hooks.Event) error {
			f.events = append(f.events, e.Type)
			return nil
		}))
	}
	f.executor = NewExecutor(st, store, testGraph(), f.hooks, nil)
	return f
}

func (f *fixture) stage(t *testing.T, action model.Action, entity model.ExtractedEntity, target string, status model.OpStatus) int64 {
	t.Helper()
	id, err := f.staging.Stage(context.Background(), staging.StageParams{
		BatchID:    "batch-1",
		EntityName: entity.Name,
		Action:     action,
		TargetPath: target,
		Confidence: 0.9,
		Entity:     entity,
		Status:     status,
	})
	require.NoError(t, err)
	return id
}

func TestExecuteOne_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entity := model.ExtractedEntity{
		Name:       "New Company Inc",
		EntityType: "customer",
		Confidence: 0.9,
		Contacts:   []model.Contact{{Name: "Jo", Email: "jo@newco.com"}},
	}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "customers/standard/new_company_inc", result.EntityPath)

	stored, err := f.store.ReadEntity(result.EntityPath)
	require.NoError(t, err)
	assert.Equal(t, "New Company Inc", stored.Name)
	assert.Equal(t, "standard", stored.Tier)

	op, err := f.staging.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusApplied, op.Status)
	require.NotNil(t, op.AppliedAt)

	assert.Contains(t, f.events, "entity_created")
	assert.Contains(t, f.events, "operation_applied")
}

func TestExecuteOne_CreateLowConfidenceTier(t *testing.T) {
	f := newFixture(t)

	entity := model.ExtractedEntity{Name: "Maybe Co", EntityType: "customer", Confidence: 0.5}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "customers/prospects/maybe_co", result.EntityPath)
}

func TestExecuteOne_CreateUntieredType(t *testing.T) {
	f := newFixture(t)

	entity := model.ExtractedEntity{Name: "Port Supply", EntityType: "supplier", Confidence: 0.9}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "suppliers/port_supply", result.EntityPath)
}

func TestExecuteOne_CreateDuplicateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.WriteEntity("customers/standard/acme_corp", &entitystore.Entity{Name: "Acme Corp"}))

	entity := model.ExtractedEntity{Name: "Acme Corp", EntityType: "customer", Confidence: 0.9}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "already exists")

	op, err := f.staging.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusFailed, op.Status)
	assert.NotEmpty(t, op.ErrorMessage)
	assert.Contains(t, f.events, "operation_failed")
}

func TestExecuteOne_UnknownTypeFails(t *testing.T) {
	f := newFixture(t)

	entity := model.ExtractedEntity{Name: "Someone", EntityType: "alien"}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "unknown entity type")
}

func TestExecuteOne_Merge(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.WriteEntity("customers/strategic/acme", &entitystore.Entity{
		Name:     "Acme Corporation",
		Contacts: []model.Contact{{Name: "Jo", Email: "jo@acme.com"}},
	}))

	entity := model.ExtractedEntity{
		Name:     "Acme Corp",
		Contacts: []model.Contact{{Name: "Pat", Email: "pat@acme.com"}},
	}
	id := f.stage(t, model.ActionMerge, entity, "customers/strategic/acme", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	merged, err := f.store.ReadEntity("customers/strategic/acme")
	require.NoError(t, err)
	assert.Len(t, merged.Contacts, 2)
	assert.Contains(t, merged.Aliases, "Acme Corp")

	assert.Contains(t, f.events, "entity_merged")
	assert.NotContains(t, f.events, "entity_updated")
}

func TestExecuteOne_UpdateEmitsUpdateEvent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.WriteEntity("customers/strategic/acme", &entitystore.Entity{Name: "Acme Corporation"}))

	entity := model.ExtractedEntity{Name: "Acme Corp"}
	id := f.stage(t, model.ActionUpdate, entity, "customers/strategic/acme", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Contains(t, f.events, "entity_updated")
	assert.NotContains(t, f.events, "entity_merged")
}

func TestExecuteOne_MergeTargetMissing(t *testing.T) {
	f := newFixture(t)

	entity := model.ExtractedEntity{Name: "Acme Corp"}
	id := f.stage(t, model.ActionMerge, entity, "customers/strategic/ghost", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "merge target missing")
}

func TestExecuteOne_NotReady(t *testing.T) {
	f := newFixture(t)

	entity := model.ExtractedEntity{Name: "Blocked", EntityType: "customer"}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusPendingReview)

	result, err := f.executor.ExecuteOne(context.Background(), id, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "pending_review")
}

func TestExecuteOne_DryRunLeavesEverythingUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entity := model.ExtractedEntity{Name: "Dry Run Co", EntityType: "customer", Confidence: 0.9}
	id := f.stage(t, model.ActionCreate, entity, "", model.OpStatusReady)

	result, err := f.executor.ExecuteOne(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "customers/standard/dry_run_co", result.EntityPath)

	assert.False(t, f.store.EntityExists(result.EntityPath))
	op, err := f.staging.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusReady, op.Status)
	assert.Empty(t, f.events)
}

func TestExecuteBatch_FailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.WriteEntity("customers/strategic/acme", &entitystore.Entity{Name: "Acme Corporation"}))

	// A merge with a missing target, then two viable operations.
	f.stage(t, model.ActionMerge, model.ExtractedEntity{Name: "Ghost"}, "customers/strategic/ghost", model.OpStatusReady)
	f.stage(t, model.ActionMerge, model.ExtractedEntity{Name: "Acme Corp"}, "customers/strategic/acme", model.OpStatusReady)
	f.stage(t, model.ActionCreate, model.ExtractedEntity{Name: "New Co", EntityType: "customer", Confidence: 0.9}, "", model.OpStatusReady)

	summary, err := f.executor.ExecuteBatch(ctx, "batch-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Merges)
	assert.Equal(t, 1, summary.Creates)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "Ghost")
}
