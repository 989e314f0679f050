package checkpoint

import (
	"go.uber.org/zap"
)

// ResumableOperation scopes one phase's checkpoint lifecycle: Begin loads
// any resumable snapshot, Update replaces it as progress is made, and End
// deletes it on success or retains it for recovery on failure.
type ResumableOperation struct {
	manager   *Manager
	sessionID string
	phase     string
	batchID   string
	state     string

	// Checkpoint is the active snapshot; nil until the first Update when
	// starting fresh.
	Checkpoint *Data
	// Resumed is true when Begin found unfinished work to pick up.
	Resumed bool
}

// Begin opens a resumable phase. If the latest checkpoint for
// (session, phase) still has pending work, the operation resumes from it.
func Begin(manager *Manager, sessionID, phase, batchID string) (*ResumableOperation, error) {
	op := &ResumableOperation{
		manager:   manager,
		sessionID: sessionID,
		phase:     phase,
		batchID:   batchID,
	}

	latest, err := manager.LatestForPhase(sessionID, phase)
	if err != nil {
		return nil, err
	}
	op.Checkpoint = latest
	if latest != nil && latest.HasPendingWork() {
		op.Resumed = true
		op.state = latest.State
		zap.L().Info("resuming from checkpoint",
			zap.String("checkpoint_id", latest.CheckpointID),
			zap.String("phase", phase),
		)
	}
	return op, nil
}

// Update writes a fresh checkpoint carrying the merged progress, then
// deletes the prior one. The new file is durable before the old one goes
// away, so a crash between the two leaves a resumable snapshot either way.
func (op *ResumableOperation) Update(p CreateParams) (*Data, error) {
	merged := p
	merged.SessionID = op.sessionID
	merged.Phase = op.phase
	if merged.BatchID == "" {
		merged.BatchID = op.batchID
	}
	if merged.State == "" {
		merged.State = op.state
	}
	if prev := op.Checkpoint; prev != nil {
		if merged.ItemsRemaining == nil {
			merged.ItemsRemaining = prev.ItemsRemaining
		}
		if merged.EntitiesPending == nil {
			merged.EntitiesPending = prev.EntitiesPending
		}
		if merged.OperationsPending == nil {
			merged.OperationsPending = prev.OperationsPending
		}
		if merged.ItemsProcessed == 0 {
			merged.ItemsProcessed = prev.ItemsProcessed
		}
		if merged.EntitiesExtracted == 0 {
			merged.EntitiesExtracted = prev.EntitiesExtracted
		}
		if merged.OperationsStaged == 0 {
			merged.OperationsStaged = prev.OperationsStaged
		}
		if merged.Context == nil {
			merged.Context = prev.Context
		}
	}

	next, err := op.manager.Create(merged)
	if err != nil {
		return nil, err
	}
	if op.Checkpoint != nil {
		op.manager.Delete(op.Checkpoint.CheckpointID)
	}
	op.Checkpoint = next
	op.state = next.State
	return next, nil
}

// End closes the phase. A nil error means the work finished: the
// checkpoint is deleted. A non-nil error retains it for recovery.
func (op *ResumableOperation) End(err error) {
	if err == nil {
		if op.Checkpoint != nil {
			op.manager.Delete(op.Checkpoint.CheckpointID)
			op.Checkpoint = nil
		}
		return
	}
	zap.L().Warn("checkpoint retained after failure",
		zap.String("phase", op.phase),
		zap.String("session_id", op.sessionID),
		zap.Error(err),
	)
}
