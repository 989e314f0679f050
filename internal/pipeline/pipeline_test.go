package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/apply"
	"github.com/sells-group/reconcile-cli/internal/checkpoint"
	"github.com/sells-group/reconcile-cli/internal/config"
	"github.com/sells-group/reconcile-cli/internal/decide"
	"github.com/sells-group/reconcile-cli/internal/entitystore"
	"github.com/sells-group/reconcile-cli/internal/hooks"
	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/match"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/resilience"
	"github.com/sells-group/reconcile-cli/internal/session"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/pkg/oracle"
)

type fakeOracle struct {
	resp  *oracle.BatchResponse
	err   error
	calls int
}

func (f *fakeOracle) Decide(_ context.Context, _ oracle.BatchRequest) (*oracle.BatchResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fixture struct {
	pipeline *Pipeline
	staging  *staging.Store
	store    *entitystore.FSStore
	sessions *session.Manager
	events   *[]string
}

func testConfig() *config.Config {
	return &config.Config{
		Graph: config.GraphConfig{
			EntityTypes: map[string]config.EntityTypeConfig{
				"customer": {Directory: "customers", Tiered: true},
				"supplier": {Directory: "suppliers", Tiered: false},
			},
			Tiers: []string{"strategic", "standard", "prospects"},
		},
		Confidence: config.ConfidenceConfig{
			AutoMerge:  0.95,
			AutoUpdate: 0.90,
			AutoCreate: 0.50,
			LLMMin:     0.50,
			LLMMax:     0.95,
		},
		Matching: config.MatchingConfig{FuzzyThreshold: 0.85},
	}
}

func newFixture(t *testing.T, client oracle.Client) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	stagingStore, err := staging.Open(filepath.Join(dir, "stage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { stagingStore.Close() })
	require.NoError(t, stagingStore.Migrate(ctx))

	store, err := entitystore.NewFSStore(filepath.Join(dir, "graph"))
	require.NoError(t, err)

	var events []string
	reg := hooks.NewRegistry(nil)
	for _, event := range hooks.ValidEvents() {
		require.NoError(t, reg.Register(event, "recorder", func(e hooks.Event) error {
			events = append(events, e.Type)
			return nil
		}))
	}

	cfg := testConfig()
	var opts []decide.Option
	if client != nil {
		opts = append(opts, decide.WithOracle(client, time.Second, resilience.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
		}))
	}
	engine, err := decide.NewEngine(cfg.Confidence, opts...)
	require.NoError(t, err)

	checkpoints, err := checkpoint.NewManager(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	sessions, err := session.NewManager(filepath.Join(dir, "sessions"), reg)
	require.NoError(t, err)

	matcher := match.NewRegistry(
		match.NewAliasStrategy(index.AliasTable{}),
		match.NewFuzzyStrategy(cfg.Matching.FuzzyThreshold),
		match.NewDomainStrategy(nil),
	)
	executor := apply.NewExecutor(stagingStore, store, cfg.Graph, reg, nil)

	p, err := New(Deps{
		Config:      cfg,
		Staging:     stagingStore,
		Store:       store,
		Matcher:     matcher,
		Engine:      engine,
		Executor:    executor,
		Checkpoints: checkpoints,
		Sessions:    sessions,
		Hooks:       reg,
	})
	require.NoError(t, err)

	return &fixture{
		pipeline: p,
		staging:  stagingStore,
		store:    store,
		sessions: sessions,
		events:   &events,
	}
}

func seedEntity(t *testing.T, f *fixture, path, name string) {
	t.Helper()
	require.NoError(t, f.store.WriteEntity(path, &entitystore.Entity{
		Name:       name,
		EntityType: "customer",
	}))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestRunBatch_EmptyInput(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.pipeline.RunBatch(context.Background(), nil, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Entities)
	assert.Empty(t, *f.events)
}

func TestRunBatch_CreatesNewEntity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.RunBatch(ctx, []model.ExtractedEntity{
		{Name: "New Company Inc", EntityType: "customer", Confidence: 0.9},
	}, RunOptions{Source: "inbox/new.md", Apply: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Entities)
	assert.Equal(t, 1, result.Staged)
	assert.Zero(t, result.PendingReview)
	require.NotNil(t, result.Apply)
	assert.Equal(t, 1, result.Apply.Creates)
	assert.Zero(t, result.Apply.Failed)

	assert.True(t, f.store.EntityExists("customers/standard/new_company_inc"))

	assert.Contains(t, *f.events, "batch_start")
	assert.Contains(t, *f.events, "entity_created")
	assert.Contains(t, *f.events, "operation_applied")
	assert.Contains(t, *f.events, "batch_complete")

	sess := f.sessions.Current()
	assert.Equal(t, 1, sess.EntitiesProcessed)
	assert.Equal(t, 1, sess.OperationsApplied)
}

func TestRunBatch_AutoMergesNearExactName(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seedEntity(t, f, "customers/standard/globex", "Globex")

	result, err := f.pipeline.RunBatch(ctx, []model.ExtractedEntity{
		{Name: "Globex Inc", EntityType: "customer", Confidence: 0.9},
	}, RunOptions{Apply: true})
	require.NoError(t, err)

	require.NotNil(t, result.Apply)
	assert.Equal(t, 1, result.Apply.Merges)

	merged, err := f.store.ReadEntity("customers/standard/globex")
	require.NoError(t, err)
	assert.Contains(t, merged.Aliases, "Globex Inc")
	assert.Contains(t, *f.events, "entity_merged")
}

func TestRunBatch_AmbiguousWithoutOracleGoesToReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seedEntity(t, f, "customers/standard/northwind_traders", "Northwind Traders")

	result, err := f.pipeline.RunBatch(ctx, []model.ExtractedEntity{
		{Name: "Northwind Trader", EntityType: "customer", Confidence: 0.9},
	}, RunOptions{Apply: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Staged)
	assert.Equal(t, 1, result.PendingReview)
	assert.Equal(t, 1, result.Questions)
	require.NotNil(t, result.Apply)
	assert.Zero(t, result.Apply.Successful)

	counts, err := f.staging.CountByStatus(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.OpStatusPendingReview])

	question, err := f.staging.NextQuestion(ctx, result.BatchID)
	require.NoError(t, err)
	require.NotNil(t, question)
	assert.Contains(t, *f.events, "question_created")
}

func TestRunBatch_OracleSkipVerdict(t *testing.T) {
	client := &fakeOracle{resp: oracle.NewBatchResponse(oracle.Verdict{
		EntityName: "Northwind Trader",
		Action:     "skip",
		Confidence: 0.9,
		Reasoning:  "internal department, not a customer",
	})}
	f := newFixture(t, client)
	ctx := context.Background()
	seedEntity(t, f, "customers/standard/northwind_traders", "Northwind Traders")

	result, err := f.pipeline.RunBatch(ctx, []model.ExtractedEntity{
		{Name: "Northwind Trader", EntityType: "customer", Confidence: 0.9},
	}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Staged)
	assert.Contains(t, *f.events, "operation_skipped")
}

func TestRunBatch_DryRunLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.RunBatch(ctx, []model.ExtractedEntity{
		{Name: "Dry Run Co", EntityType: "customer", Confidence: 0.9},
	}, RunOptions{Apply: true, DryRun: true})
	require.NoError(t, err)

	require.NotNil(t, result.Apply)
	assert.Equal(t, 1, result.Apply.Creates)

	entities, err := f.store.ListEntities()
	require.NoError(t, err)
	assert.Empty(t, entities)

	// The staged operation is still ready for a real apply later.
	counts, err := f.staging.CountByStatus(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.OpStatusReady])
}

func TestRunBatch_ResumesPendingEntities(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.sessions.Create()
	require.NoError(t, err)

	// A crashed prior run left pending entities behind.
	_, err = f.pipeline.checkpoints.Create(checkpoint.CreateParams{
		SessionID: sess.SessionID,
		Phase:     "reconcile",
		EntitiesPending: []model.ExtractedEntity{
			{Name: "Leftover Logistics", EntityType: "customer", Confidence: 0.9},
		},
	})
	require.NoError(t, err)

	result, err := f.pipeline.RunBatch(ctx, []model.ExtractedEntity{
		{Name: "Fresh Arrivals", EntityType: "customer", Confidence: 0.9},
	}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Entities)
	ops, err := f.staging.GetBatch(ctx, result.BatchID, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "Leftover Logistics", ops[0].EntityName)

	// Success cleared the checkpoint.
	latest, err := f.pipeline.checkpoints.LatestForPhase(sess.SessionID, "reconcile")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
