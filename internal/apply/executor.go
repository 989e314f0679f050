// Package apply executes ready staged operations against the entity store.
// Operations run in priority order (merges, then updates, then creates) and
// each succeeds or fails on its own: one bad operation never rolls back or
// blocks the rest of the batch.
package apply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/audit"
	"github.com/sells-group/reconcile-cli/internal/config"
	"github.com/sells-group/reconcile-cli/internal/entitystore"
	"github.com/sells-group/reconcile-cli/internal/hooks"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/staging"
)

// ExecutionResult is the outcome of one operation.
type ExecutionResult struct {
	OpID         int64        `json:"op_id"`
	Success      bool         `json:"success"`
	Action       model.Action `json:"action"`
	EntityPath   string       `json:"entity_path,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Summary aggregates one batch run.
type Summary struct {
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Merges     int      `json:"merges"`
	Updates    int      `json:"updates"`
	Creates    int      `json:"creates"`
	Errors     []string `json:"errors,omitempty"`
}

// Executor applies staged operations.
type Executor struct {
	staging *staging.Store
	store   entitystore.Store
	graph   config.GraphConfig
	hooks   *hooks.Registry
	audit   *audit.Logger
}

// NewExecutor wires an executor. hooks and auditLog may be nil.
func NewExecutor(stagingStore *staging.Store, store entitystore.Store, graph config.GraphConfig, hookReg *hooks.Registry, auditLog *audit.Logger) *Executor {
	if hookReg == nil {
		hookReg = hooks.NewRegistry(nil)
	}
	return &Executor{
		staging: stagingStore,
		store:   store,
		graph:   graph,
		hooks:   hookReg,
		audit:   auditLog,
	}
}

// ExecuteBatch applies every ready operation, in priority order. With
// dryRun it reports what would happen without touching the store or the
// staging statuses.
func (e *Executor) ExecuteBatch(ctx context.Context, batchID string, dryRun bool) (*Summary, error) {
	ops, err := e.staging.GetReady(ctx, batchID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	summary := &Summary{}
	for i := range ops {
		result := e.executeOp(ctx, &ops[i], dryRun)
		if result.Success {
			summary.Successful++
			switch result.Action {
			case model.ActionMerge:
				summary.Merges++
			case model.ActionUpdate:
				summary.Updates++
			case model.ActionCreate:
				summary.Creates++
			}
		} else {
			summary.Failed++
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("op %d (%s %s): %s", result.OpID, result.Action, ops[i].EntityName, result.ErrorMessage))
		}
	}

	zap.L().Info("batch executed",
		zap.String("batch_id", batchID),
		zap.Bool("dry_run", dryRun),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
	)
	if e.audit != nil && !dryRun {
		e.audit.LogTimed("apply", "batch_complete", map[string]any{
			"batch_id":   batchID,
			"successful": summary.Successful,
			"failed":     summary.Failed,
		}, time.Since(started))
	}
	return summary, nil
}

// ExecuteOne applies a single ready operation by id.
func (e *Executor) ExecuteOne(ctx context.Context, opID int64, dryRun bool) (*ExecutionResult, error) {
	op, err := e.staging.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return &ExecutionResult{OpID: opID, ErrorMessage: "operation not found"}, nil
	}
	if op.Status != model.OpStatusReady {
		return &ExecutionResult{
			OpID:         opID,
			Action:       op.Action,
			ErrorMessage: fmt.Sprintf("operation is %s, not ready", op.Status),
		}, nil
	}
	result := e.executeOp(ctx, op, dryRun)
	return &result, nil
}

func (e *Executor) executeOp(ctx context.Context, op *model.StagedOperation, dryRun bool) ExecutionResult {
	var result ExecutionResult
	switch op.Action {
	case model.ActionMerge:
		result = e.executeMerge(op, dryRun, "entity_merged")
	case model.ActionUpdate:
		result = e.executeMerge(op, dryRun, "entity_updated")
	case model.ActionCreate:
		result = e.executeCreate(op, dryRun)
	default:
		result = ExecutionResult{
			OpID:         op.ID,
			Action:       op.Action,
			ErrorMessage: fmt.Sprintf("unsupported action: %s", op.Action),
		}
	}

	if dryRun {
		return result
	}

	if result.Success {
		e.hooks.EmitSimple("operation_applied", map[string]any{
			"op_id":       op.ID,
			"action":      string(op.Action),
			"entity_name": op.EntityName,
			"entity_path": result.EntityPath,
		}, op.BatchID, "")
		if err := e.staging.UpdateStatus(ctx, op.ID, model.OpStatusApplied, ""); err != nil {
			zap.L().Error("status update failed after apply",
				zap.Int64("op_id", op.ID), zap.Error(err))
		}
	} else {
		e.hooks.EmitSimple("operation_failed", map[string]any{
			"op_id":       op.ID,
			"action":      string(op.Action),
			"entity_name": op.EntityName,
			"error":       result.ErrorMessage,
		}, op.BatchID, "")
		if err := e.staging.UpdateStatus(ctx, op.ID, model.OpStatusFailed, result.ErrorMessage); err != nil {
			zap.L().Error("status update failed after failure",
				zap.Int64("op_id", op.ID), zap.Error(err))
		}
	}

	if e.audit != nil {
		e.audit.Log("apply", string(op.Action), map[string]any{
			"op_id":       op.ID,
			"entity_name": op.EntityName,
			"entity_path": result.EntityPath,
			"success":     result.Success,
			"error":       result.ErrorMessage,
		})
	}
	return result
}

// executeMerge handles merge and update; they share merge semantics and
// differ only in the lifecycle event emitted.
func (e *Executor) executeMerge(op *model.StagedOperation, dryRun bool, event string) ExecutionResult {
	fail := func(msg string) ExecutionResult {
		return ExecutionResult{OpID: op.ID, Action: op.Action, ErrorMessage: msg}
	}

	if op.TargetPath == "" {
		return fail("no target path for " + string(op.Action))
	}
	entityType, _, entityID := e.parsePath(op.TargetPath)
	if entityType == "" || entityID == "" {
		return fail("invalid target path: " + op.TargetPath)
	}
	if !e.store.EntityExists(op.TargetPath) {
		return fail("merge target missing: " + op.TargetPath)
	}

	if dryRun {
		return ExecutionResult{OpID: op.ID, Success: true, Action: op.Action, EntityPath: op.TargetPath}
	}

	source := "reconcile-pipeline-" + time.Now().UTC().Format("2006-01-02")
	if err := e.store.MergeEntity(op.TargetPath, op.EntityData, source); err != nil {
		return fail(err.Error())
	}

	e.hooks.EmitSimple(event, map[string]any{
		"source_name": op.EntityData.Name,
		"target_path": op.TargetPath,
		"target_id":   entityID,
	}, op.BatchID, "")

	return ExecutionResult{OpID: op.ID, Success: true, Action: op.Action, EntityPath: op.TargetPath}
}

func (e *Executor) executeCreate(op *model.StagedOperation, dryRun bool) ExecutionResult {
	fail := func(msg string) ExecutionResult {
		return ExecutionResult{OpID: op.ID, Action: op.Action, ErrorMessage: msg}
	}

	data := op.EntityData
	if data.Name == "" {
		return fail("no entity name provided")
	}

	entityType := data.EntityType
	if entityType == "" {
		entityType = "customer"
	}
	etCfg, ok := e.graph.EntityTypes[entityType]
	if !ok {
		return fail("unknown entity type: " + entityType)
	}

	tier := data.Tier
	if tier == "" && etCfg.Tiered {
		tier = e.inferTier(data)
	}
	if tier != "" && !e.graph.HasTier(tier) {
		return fail("unknown tier: " + tier)
	}

	entityID := entitystore.NormalizeEntityID(data.Name)
	if entityID == "" {
		return fail("entity name normalizes to empty id: " + data.Name)
	}
	path := entitystore.PathFor(etCfg.Directory, tier, entityID)

	if e.store.EntityExists(path) {
		return ExecutionResult{
			OpID: op.ID, Action: op.Action, EntityPath: path,
			ErrorMessage: "entity already exists: " + path,
		}
	}

	if dryRun {
		return ExecutionResult{OpID: op.ID, Success: true, Action: op.Action, EntityPath: path}
	}

	entity := &entitystore.Entity{
		Name:       data.Name,
		EntityType: entityType,
		Tier:       tier,
		Industry:   data.Industry,
		Contacts:   data.Contacts,
		Sources:    []string{"reconcile-pipeline-" + time.Now().UTC().Format("2006-01-02")},
	}
	if data.SourceID != "" {
		entity.Sources = append(entity.Sources, data.SourceID)
	}
	if err := e.store.WriteEntity(path, entity); err != nil {
		return fail(err.Error())
	}

	e.hooks.EmitSimple("entity_created", map[string]any{
		"entity_name": data.Name,
		"entity_path": path,
		"entity_id":   entityID,
		"entity_type": entityType,
		"tier":        tier,
	}, op.BatchID, "")

	return ExecutionResult{OpID: op.ID, Success: true, Action: op.Action, EntityPath: path}
}

// parsePath splits "customers/strategic/acme" into (entity type, tier, id),
// resolving the leading directory to its configured type. Two segments mean
// no tier.
func (e *Executor) parsePath(path string) (entityType, tier, entityID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	typeFor := func(directory string) string {
		for name, cfg := range e.graph.EntityTypes {
			if cfg.Directory == directory {
				return name
			}
		}
		return ""
	}

	switch len(parts) {
	case 3:
		return typeFor(parts[0]), parts[1], parts[2]
	case 2:
		return typeFor(parts[0]), "", parts[1]
	default:
		return "", "", ""
	}
}

// inferTier picks a tier when none was extracted: low confidence goes to
// "prospects" when configured, otherwise "standard", otherwise the first
// configured tier.
func (e *Executor) inferTier(data model.ExtractedEntity) string {
	if data.Confidence < 0.6 && e.graph.HasTier("prospects") {
		return "prospects"
	}
	if e.graph.HasTier("standard") {
		return "standard"
	}
	if len(e.graph.Tiers) > 0 {
		return e.graph.Tiers[0]
	}
	return ""
}
