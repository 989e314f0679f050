// Package workflow enforces the step sequence one reconciliation unit
// moves through:
//
//	READY → RESEARCH → DECIDE → WRITE → PROPAGATE → LOG → REBUILD
//	                      ↓                           ↓       ↓
//	                     LOG (skip)            REFACTOR_CHECK ←
//	                                              ↓        ↓
//	                                       EXEC_REFACTOR  COMPLETE
//
// Transitions are only allowed when their predicate holds against the
// shared context; a refused transition is a no-op the caller must check.
package workflow

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// State is one workflow state. COMPLETE and ERROR are terminal.
type State string

const (
	StateReady         State = "READY"
	StateResearch      State = "RESEARCH"
	StateDecide        State = "DECIDE"
	StateWrite         State = "WRITE"
	StatePropagate     State = "PROPAGATE"
	StateLog           State = "LOG"
	StateRebuild       State = "REBUILD"
	StateRefactorCheck State = "REFACTOR_CHECK"
	StateExecRefactor  State = "EXEC_REFACTOR"
	StateComplete      State = "COMPLETE"
	StateError         State = "ERROR"
)

// Context is the shared state the predicates inspect. It is populated
// incrementally through StoreOutput as steps complete.
type Context struct {
	// Input is the entity being reconciled, set before the workflow starts.
	Input *model.ExtractedEntity

	ResearchDone    bool
	ResearchResults []model.MatchCandidate
	BestMatchPath   string

	Decision           model.Action
	DecisionConfidence float64
	DecisionReasoning  string
	TargetPath         string

	EntityPath    string
	EntityCreated bool

	PropagateDone   bool
	PropagatedPaths []string

	LogEntryID string

	IndexRebuilt bool
	IndexCount   int

	RefactorChecked bool
	ShouldRefactor  bool
	RefactorResults []string

	// Extra carries step payload fields no typed slot exists for.
	Extra map[string]any
}

type predicate func(*Context) bool

var transitions = map[State]map[State]predicate{
	StateReady: {
		StateResearch: func(c *Context) bool { return c.Input != nil },
	},
	StateResearch: {
		StateDecide: func(c *Context) bool { return c.ResearchDone },
	},
	StateDecide: {
		StateWrite: func(c *Context) bool {
			return c.Decision == model.ActionCreate || c.Decision == model.ActionUpdate || c.Decision == model.ActionMerge
		},
		StateLog: func(c *Context) bool { return c.Decision == model.ActionSkip },
	},
	StateWrite: {
		StatePropagate: func(c *Context) bool { return c.EntityPath != "" },
	},
	StatePropagate: {
		StateLog: func(c *Context) bool { return c.PropagateDone },
	},
	StateLog: {
		StateRebuild:       func(c *Context) bool { return c.EntityCreated },
		StateRefactorCheck: func(c *Context) bool { return !c.EntityCreated },
	},
	StateRebuild: {
		StateRefactorCheck: func(c *Context) bool { return true },
	},
	StateRefactorCheck: {
		StateExecRefactor: func(c *Context) bool { return c.ShouldRefactor },
		StateComplete:     func(c *Context) bool { return !c.ShouldRefactor },
	},
	StateExecRefactor: {
		StateComplete: func(c *Context) bool { return true },
	},
}

// HistoryEntry records one transition, forced or not.
type HistoryEntry struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Machine tracks the current state of one workflow run.
type Machine struct {
	ctx     *Context
	current State
	history []HistoryEntry
}

// NewMachine starts a machine in READY over the given context.
func NewMachine(ctx *Context) *Machine {
	if ctx == nil {
		ctx = &Context{}
	}
	return &Machine{ctx: ctx, current: StateReady}
}

// Context returns the shared context.
func (m *Machine) Context() *Context { return m.ctx }

// Current returns the current state.
func (m *Machine) Current() State { return m.current }

// CanTransitionTo reports whether target is reachable from the current
// state and its predicate holds.
func (m *Machine) CanTransitionTo(target State) bool {
	targets, ok := transitions[m.current]
	if !ok {
		return false
	}
	pred, ok := targets[target]
	return ok && pred(m.ctx)
}

// ValidTransitions lists the states currently reachable.
func (m *Machine) ValidTransitions() []State {
	var valid []State
	for target, pred := range transitions[m.current] {
		if pred(m.ctx) {
			valid = append(valid, target)
		}
	}
	return valid
}

// Transition advances to the state named by step. On refusal it is a
// no-op returning false; the caller must not assume progress.
func (m *Machine) Transition(step string) bool {
	target := State(strings.ToUpper(step))
	if !m.CanTransitionTo(target) {
		zap.L().Warn("workflow transition refused",
			zap.String("from", string(m.current)),
			zap.String("to", string(target)),
		)
		return false
	}
	m.history = append(m.history, HistoryEntry{From: m.current, To: target})
	m.current = target
	return true
}

// ForceTransition bypasses predicates. It exists for failure handling
// (driving the machine to ERROR) and always records the reason.
func (m *Machine) ForceTransition(target State, reason string) {
	m.history = append(m.history, HistoryEntry{From: m.current, To: target, Reason: reason})
	m.current = target
}

// IsComplete reports terminal success.
func (m *Machine) IsComplete() bool { return m.current == StateComplete }

// IsError reports terminal failure.
func (m *Machine) IsError() bool { return m.current == StateError }

// History returns the transition log, oldest first.
func (m *Machine) History() []HistoryEntry {
	return append([]HistoryEntry(nil), m.history...)
}

// ValidationResult reports whether a step's output meets its contract.
type ValidationResult struct {
	Valid   bool
	Message string
}

// ValidateStepOutput enforces each step's minimal output contract. Call it
// before StoreOutput.
func ValidateStepOutput(step string, data map[string]any) ValidationResult {
	switch State(strings.ToUpper(step)) {
	case StateResearch:
		if _, ok := data["matches"]; !ok {
			return ValidationResult{false, "research output must carry a matches list"}
		}
	case StateDecide:
		decision, _ := data["decision"].(string)
		if !model.ValidAction(decision) {
			return ValidationResult{false, "decide output must name one of merge/update/create/skip"}
		}
	case StateWrite:
		if path, _ := data["entity_path"].(string); path == "" {
			return ValidationResult{false, "write output must carry entity_path"}
		}
	case StatePropagate:
		if _, ok := data["paths"]; !ok {
			return ValidationResult{false, "propagate output must carry a paths list"}
		}
	case StateLog, StateRebuild, StateRefactorCheck, StateExecRefactor:
		// No required fields.
	default:
		return ValidationResult{false, fmt.Sprintf("unknown step: %s", step)}
	}
	return ValidationResult{Valid: true, Message: "OK"}
}

// StoreOutput maps a validated step output onto the context. It is the
// single place raw step results become context fields.
func (m *Machine) StoreOutput(step string, data map[string]any) {
	c := m.ctx
	switch State(strings.ToUpper(step)) {
	case StateResearch:
		c.ResearchDone = true
		if matches, ok := data["matches"].([]model.MatchCandidate); ok {
			c.ResearchResults = matches
		}
		c.BestMatchPath, _ = data["best_match_path"].(string)
	case StateDecide:
		decision, _ := data["decision"].(string)
		c.Decision = model.Action(decision)
		c.DecisionConfidence, _ = data["confidence"].(float64)
		c.DecisionReasoning, _ = data["reasoning"].(string)
		c.TargetPath, _ = data["target_path"].(string)
	case StateWrite:
		c.EntityPath, _ = data["entity_path"].(string)
		c.EntityCreated = c.Decision == model.ActionCreate
	case StatePropagate:
		c.PropagateDone = true
		if paths, ok := data["paths"].([]string); ok {
			c.PropagatedPaths = paths
		}
	case StateLog:
		c.LogEntryID, _ = data["log_id"].(string)
	case StateRebuild:
		c.IndexRebuilt = true
		if n, ok := data["count"].(int); ok {
			c.IndexCount = n
		}
	case StateRefactorCheck:
		c.RefactorChecked = true
		c.ShouldRefactor, _ = data["should_refactor"].(bool)
	case StateExecRefactor:
		if results, ok := data["results"].([]string); ok {
			c.RefactorResults = results
		}
	}
	for k, v := range data {
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[strings.ToUpper(step)+"."+k] = v
	}
}

// SampleRefactor draws the Bernoulli(probability) sample driving the
// REFACTOR_CHECK branch.
func SampleRefactor(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return rand.Float64() < probability
}
