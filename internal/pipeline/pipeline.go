// Package pipeline orchestrates one reconciliation batch end to end:
// research candidates, decide, stage the operations, and optionally apply
// them. Each record is driven through the workflow state machine, and the
// batch checkpoints its progress so a killed run resumes where it stopped.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/apply"
	"github.com/sells-group/reconcile-cli/internal/audit"
	"github.com/sells-group/reconcile-cli/internal/checkpoint"
	"github.com/sells-group/reconcile-cli/internal/config"
	"github.com/sells-group/reconcile-cli/internal/decide"
	"github.com/sells-group/reconcile-cli/internal/entitystore"
	"github.com/sells-group/reconcile-cli/internal/hooks"
	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/match"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/session"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/internal/workflow"
)

// Deps wires the pipeline's collaborators. Hooks and Audit may be nil.
type Deps struct {
	Config      *config.Config
	Staging     *staging.Store
	Store       entitystore.Store
	Matcher     *match.Registry
	Engine      *decide.Engine
	Executor    *apply.Executor
	Checkpoints *checkpoint.Manager
	Sessions    *session.Manager
	Hooks       *hooks.Registry
	Audit       *audit.Logger
}

// Pipeline runs reconciliation batches.
type Pipeline struct {
	cfg         *config.Config
	staging     *staging.Store
	store       entitystore.Store
	matcher     *match.Registry
	engine      *decide.Engine
	executor    *apply.Executor
	checkpoints *checkpoint.Manager
	sessions    *session.Manager
	hooks       *hooks.Registry
	audit       *audit.Logger
}

// New validates the dependency set and builds a pipeline.
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Config == nil:
		return nil, eris.New("pipeline: config is required")
	case d.Staging == nil:
		return nil, eris.New("pipeline: staging store is required")
	case d.Store == nil:
		return nil, eris.New("pipeline: entity store is required")
	case d.Matcher == nil:
		return nil, eris.New("pipeline: match registry is required")
	case d.Engine == nil:
		return nil, eris.New("pipeline: decision engine is required")
	case d.Executor == nil:
		return nil, eris.New("pipeline: executor is required")
	case d.Checkpoints == nil:
		return nil, eris.New("pipeline: checkpoint manager is required")
	case d.Sessions == nil:
		return nil, eris.New("pipeline: session manager is required")
	}
	if d.Hooks == nil {
		d.Hooks = hooks.NewRegistry(nil)
	}
	return &Pipeline{
		cfg:         d.Config,
		staging:     d.Staging,
		store:       d.Store,
		matcher:     d.Matcher,
		engine:      d.Engine,
		executor:    d.Executor,
		checkpoints: d.Checkpoints,
		sessions:    d.Sessions,
		hooks:       d.Hooks,
		audit:       d.Audit,
	}, nil
}

// RunOptions control one batch run.
type RunOptions struct {
	// Source labels where the entities came from (file, inbox, import id).
	Source string
	// Apply executes the ready operations at the end of the run.
	Apply bool
	// DryRun reports what apply would do without mutating the store.
	DryRun bool
}

// Result summarizes one batch run.
type Result struct {
	BatchID       string         `json:"batch_id"`
	SessionID     string         `json:"session_id"`
	Entities      int            `json:"entities"`
	Staged        int            `json:"staged"`
	PendingReview int            `json:"pending_review"`
	Skipped       int            `json:"skipped"`
	Questions     int            `json:"questions"`
	Apply         *apply.Summary `json:"apply,omitempty"`
}

// record tracks one entity through the batch.
type record struct {
	entity  model.ExtractedEntity
	machine *workflow.Machine
	outcome decide.Outcome
	opID    int64
}

// checkpointEvery bounds how much staging work a crash can lose.
const checkpointEvery = 10

// RunBatch reconciles the given entities as one batch. When a prior run of
// the same session and phase left a checkpoint with pending entities, those
// entities are processed instead of the given ones.
func (p *Pipeline) RunBatch(ctx context.Context, entities []model.ExtractedEntity, opts RunOptions) (*Result, error) {
	if len(entities) == 0 {
		return &Result{}, nil
	}

	sess := p.sessions.Current()
	if sess == nil {
		var err error
		sess, err = p.sessions.Create()
		if err != nil {
			return nil, err
		}
	}
	batchID, err := p.sessions.StartBatch(opts.Source)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	p.hooks.EmitSimple("batch_start", map[string]any{
		"source":   opts.Source,
		"entities": len(entities),
	}, batchID, sess.SessionID)

	cp, err := checkpoint.Begin(p.checkpoints, sess.SessionID, "reconcile", batchID)
	if err != nil {
		return nil, err
	}
	if cp.Resumed && len(cp.Checkpoint.EntitiesPending) > 0 {
		zap.L().Info("resuming batch with pending entities",
			zap.Int("pending", len(cp.Checkpoint.EntitiesPending)),
			zap.Int("given", len(entities)),
		)
		entities = cp.Checkpoint.EntitiesPending
	}

	result, err := p.run(ctx, sess.SessionID, batchID, entities, cp, opts)
	cp.End(err)
	if err != nil {
		return nil, err
	}

	p.hooks.EmitSimple("batch_complete", map[string]any{
		"staged":         result.Staged,
		"skipped":        result.Skipped,
		"pending_review": result.PendingReview,
	}, batchID, sess.SessionID)
	if err := p.sessions.CompleteBatch(batchID); err != nil {
		return nil, err
	}
	if result.Questions > 0 {
		if err := p.sessions.UpdateState(session.StateReviewing); err != nil {
			return nil, err
		}
	}
	if p.audit != nil {
		p.audit.LogTimed("pipeline", "batch_complete", map[string]any{
			"batch_id": batchID,
			"entities": result.Entities,
			"staged":   result.Staged,
			"skipped":  result.Skipped,
		}, time.Since(started))
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, sessionID, batchID string, entities []model.ExtractedEntity, cp *checkpoint.ResumableOperation, opts RunOptions) (*Result, error) {
	result := &Result{
		BatchID:   batchID,
		SessionID: sessionID,
		Entities:  len(entities),
	}

	if err := p.sessions.UpdateState(session.StateResearching); err != nil {
		return nil, err
	}
	ix, err := index.Build(p.store)
	if err != nil {
		return nil, err
	}

	records := make([]*record, len(entities))
	for i := range entities {
		rec := &record{entity: entities[i]}
		rec.machine = workflow.NewMachine(&workflow.Context{Input: &rec.entity})
		records[i] = rec

		rec.machine.Transition("RESEARCH")
		candidates, err := p.matcher.FindAll(rec.entity, ix, p.cfg.Matching.FuzzyThreshold)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"matches": candidates}
		if v := workflow.ValidateStepOutput("RESEARCH", out); !v.Valid {
			rec.machine.ForceTransition(workflow.StateError, v.Message)
			continue
		}
		rec.machine.StoreOutput("RESEARCH", out)
	}

	if err := p.sessions.UpdateState(session.StateReconciling); err != nil {
		return nil, err
	}
	inputs := make([]decide.Input, len(records))
	for i, rec := range records {
		inputs[i] = decide.Input{Entity: rec.entity, Candidates: rec.machine.Context().ResearchResults}
	}
	outcomes, err := p.engine.ReconcileBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}

	if err := p.sessions.UpdateState(session.StateStaging); err != nil {
		return nil, err
	}
	var opIDs []int64
	for i, rec := range records {
		rec.outcome = outcomes[i]
		d := rec.outcome.Decision

		out := map[string]any{
			"decision":    string(d.Action),
			"confidence":  d.Confidence,
			"reasoning":   d.Reasoning,
			"target_path": d.TargetPath,
		}
		if v := workflow.ValidateStepOutput("DECIDE", out); !v.Valid {
			rec.machine.ForceTransition(workflow.StateError, v.Message)
			continue
		}
		rec.machine.Transition("DECIDE")
		rec.machine.StoreOutput("DECIDE", out)

		if d.Action == model.ActionSkip {
			result.Skipped++
			p.hooks.EmitSimple("operation_skipped", map[string]any{
				"entity_name": d.EntityName,
				"reasoning":   d.Reasoning,
			}, batchID, sessionID)
			p.finishSkipped(rec)
			continue
		}

		status := model.OpStatusReady
		if d.NeedsReview {
			status = model.OpStatusPendingReview
		}
		opID, err := p.staging.Stage(ctx, staging.StageParams{
			BatchID:    batchID,
			EntityName: d.EntityName,
			Action:     d.Action,
			TargetPath: d.TargetPath,
			Confidence: d.Confidence,
			Reasoning:  d.Reasoning,
			Entity:     d.SourceEntity,
			Candidates: d.Candidates,
			Status:     status,
		})
		if err != nil {
			return nil, err
		}
		rec.opID = opID
		result.Staged++
		if status == model.OpStatusReady {
			opIDs = append(opIDs, opID)
		} else {
			result.PendingReview++
			if err := p.enqueueReview(ctx, opID, batchID, sessionID); err != nil {
				return nil, err
			}
			result.Questions++
		}

		if (i+1)%checkpointEvery == 0 {
			if _, err := cp.Update(p.progress(entities, i+1, opIDs, result)); err != nil {
				return nil, err
			}
		}
	}
	if _, err := cp.Update(p.progress(entities, len(entities), opIDs, result)); err != nil {
		return nil, err
	}

	if opts.Apply {
		summary, err := p.applyPhase(ctx, batchID, records, opts.DryRun)
		if err != nil {
			return nil, err
		}
		result.Apply = summary
		if err := p.sessions.AddStats(result.Entities, result.Staged, summary.Successful, result.Questions); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := p.sessions.AddStats(result.Entities, result.Staged, 0, result.Questions); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) progress(entities []model.ExtractedEntity, done int, opIDs []int64, result *Result) checkpoint.CreateParams {
	return checkpoint.CreateParams{
		EntitiesPending:   entities[done:],
		OperationsPending: append([]int64(nil), opIDs...),
		ItemsProcessed:    done,
		OperationsStaged:  result.Staged,
	}
}

// finishSkipped drives a skipped record's machine to completion. Skips never
// trigger opportunistic refactoring; nothing was touched.
func (p *Pipeline) finishSkipped(rec *record) {
	rec.machine.Transition("LOG")
	rec.machine.Transition("REFACTOR_CHECK")
	rec.machine.StoreOutput("REFACTOR_CHECK", map[string]any{"should_refactor": false})
	rec.machine.Transition("COMPLETE")
}

func (p *Pipeline) enqueueReview(ctx context.Context, opID int64, batchID, sessionID string) error {
	op, err := p.staging.Get(ctx, opID)
	if err != nil {
		return err
	}
	questionID, err := p.staging.AddQuestion(ctx, staging.ReconcileQuestion(*op))
	if err != nil {
		return err
	}
	p.hooks.EmitSimple("question_created", map[string]any{
		"question_id": questionID,
		"op_id":       opID,
		"entity_name": op.EntityName,
	}, batchID, sessionID)
	return nil
}

// applyPhase executes the batch's ready operations in priority order and
// finalizes each record's workflow.
func (p *Pipeline) applyPhase(ctx context.Context, batchID string, records []*record, dryRun bool) (*apply.Summary, error) {
	if err := p.sessions.UpdateState(session.StateApplying); err != nil {
		return nil, err
	}

	ready, err := p.staging.GetReady(ctx, batchID)
	if err != nil {
		return nil, err
	}
	byOp := make(map[int64]*record, len(records))
	for _, rec := range records {
		if rec.opID != 0 {
			byOp[rec.opID] = rec
		}
	}

	summary := &apply.Summary{}
	anyCreated := false
	var written []*record
	for i := range ready {
		res, err := p.executor.ExecuteOne(ctx, ready[i].ID, dryRun)
		if err != nil {
			return nil, err
		}
		rec := byOp[res.OpID]

		if !res.Success {
			summary.Failed++
			summary.Errors = append(summary.Errors, res.ErrorMessage)
			if rec != nil && !dryRun {
				rec.machine.ForceTransition(workflow.StateError, res.ErrorMessage)
			}
			continue
		}
		summary.Successful++
		switch res.Action {
		case model.ActionMerge:
			summary.Merges++
		case model.ActionUpdate:
			summary.Updates++
		case model.ActionCreate:
			summary.Creates++
		}
		if dryRun || rec == nil {
			continue
		}

		rec.machine.Transition("WRITE")
		rec.machine.StoreOutput("WRITE", map[string]any{"entity_path": res.EntityPath})
		rec.machine.Transition("PROPAGATE")
		rec.machine.StoreOutput("PROPAGATE", map[string]any{"paths": []string{res.EntityPath}})
		rec.machine.Transition("LOG")
		if rec.machine.Context().EntityCreated {
			anyCreated = true
		}
		written = append(written, rec)
	}

	if dryRun {
		return summary, nil
	}

	// Creates invalidate the match index; rebuild it once for the batch.
	indexCount := 0
	if anyCreated {
		ix, err := index.Build(p.store)
		if err != nil {
			return nil, err
		}
		indexCount = len(ix)
	}

	for _, rec := range written {
		if rec.machine.Context().EntityCreated {
			rec.machine.Transition("REBUILD")
			rec.machine.StoreOutput("REBUILD", map[string]any{"count": indexCount})
		}
		rec.machine.Transition("REFACTOR_CHECK")
		should := workflow.SampleRefactor(p.cfg.Workflow.RefactorProbability)
		rec.machine.StoreOutput("REFACTOR_CHECK", map[string]any{"should_refactor": should})
		if should {
			rec.machine.Transition("EXEC_REFACTOR")
			p.refactor(rec)
		}
		rec.machine.Transition("COMPLETE")
	}
	return summary, nil
}

// refactor runs the opportunistic graph maintenance pass for one record.
// Today that is a consistency sweep over the record's neighborhood, logged
// for the audit trail.
func (p *Pipeline) refactor(rec *record) {
	path := rec.machine.Context().EntityPath
	zap.L().Info("refactor pass",
		zap.String("entity_path", path),
	)
	if p.audit != nil {
		p.audit.Log("pipeline", "refactor_check", map[string]any{
			"entity_path": path,
			"entity_name": rec.entity.Name,
		})
	}
}
