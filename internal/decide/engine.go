// Package decide turns ranked match candidates into reconcile decisions.
// A deterministic rule pass settles the clear cases; everything ambiguous
// is escalated to the oracle in one batched call, with a conservative
// create fallback when the oracle cannot help.
package decide

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/audit"
	"github.com/sells-group/reconcile-cli/internal/config"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/resilience"
	"github.com/sells-group/reconcile-cli/pkg/oracle"
)

// Rule labels which branch produced a decision, for the audit trail.
type Rule string

const (
	RuleNoCandidates  Rule = "no_candidates"
	RuleExactAlias    Rule = "exact_alias"
	RuleAutoMerge     Rule = "auto_merge"
	RuleDomainUpdate  Rule = "domain_update"
	RuleWeakCreate    Rule = "weak_create"
	RuleOracle        Rule = "oracle"
	RuleOracleFailure Rule = "oracle_failure"
)

// oracleReviewFloor forces review on oracle verdicts it is not sure about.
const oracleReviewFloor = 0.8

var errOracleDisabled = eris.New("decide: oracle disabled")

// Input pairs one extracted entity with its ranked candidates.
type Input struct {
	Entity     model.ExtractedEntity
	Candidates []model.MatchCandidate
}

// Outcome is a decision plus the rule that produced it.
type Outcome struct {
	Decision model.ReconcileDecision
	Rule     Rule
}

// Engine applies the decision rules.
type Engine struct {
	thresholds config.ConfidenceConfig
	oracle     oracle.Client
	useOracle  bool
	retry      resilience.RetryConfig
	timeout    time.Duration
	audit      *audit.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithOracle enables oracle escalation for ambiguous cases.
func WithOracle(client oracle.Client, timeout time.Duration, retry resilience.RetryConfig) Option {
	return func(e *Engine) {
		e.oracle = client
		e.useOracle = client != nil
		e.timeout = timeout
		e.retry = retry
	}
}

// WithAudit records every decision to the audit trail.
func WithAudit(logger *audit.Logger) Option {
	return func(e *Engine) { e.audit = logger }
}

// NewEngine builds an engine over the given thresholds.
func NewEngine(thresholds config.ConfidenceConfig, opts ...Option) (*Engine, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		thresholds: thresholds,
		retry:      resilience.DefaultRetryConfig(),
		timeout:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ReconcileBatch decides every input. Auto-decidable cases never touch the
// oracle; the rest go out in a single batched call. Outcomes are returned
// in input order.
func (e *Engine) ReconcileBatch(ctx context.Context, inputs []Input) ([]Outcome, error) {
	outcomes := make([]Outcome, len(inputs))
	var escalated []int

	for i, in := range inputs {
		outcome, decided, err := e.autoDecide(in)
		if err != nil {
			return nil, err
		}
		if decided {
			outcomes[i] = outcome
			e.record(outcome)
			continue
		}
		escalated = append(escalated, i)
	}

	if len(escalated) == 0 {
		return outcomes, nil
	}

	verdicts, oracleErr := e.askOracle(ctx, inputs, escalated)
	for _, i := range escalated {
		outcome, err := e.resolveEscalated(inputs[i], verdicts, oracleErr)
		if err != nil {
			return nil, err
		}
		outcomes[i] = outcome
		e.record(outcome)
	}
	return outcomes, nil
}

// Reconcile decides a single entity. Convenience wrapper over
// ReconcileBatch.
func (e *Engine) Reconcile(ctx context.Context, entity model.ExtractedEntity, candidates []model.MatchCandidate) (Outcome, error) {
	outcomes, err := e.ReconcileBatch(ctx, []Input{{Entity: entity, Candidates: candidates}})
	if err != nil {
		return Outcome{}, err
	}
	return outcomes[0], nil
}

// autoDecide runs the deterministic rules in priority order. The second
// return value is false when the case is ambiguous.
func (e *Engine) autoDecide(in Input) (Outcome, bool, error) {
	entity, candidates := in.Entity, in.Candidates

	if len(candidates) == 0 {
		d, err := model.NewReconcileDecision(entity, model.ActionCreate, "", 0.9,
			"no matching entities found", false, nil)
		return Outcome{Decision: d, Rule: RuleNoCandidates}, true, err
	}

	top := candidates[0]

	if top.MatchType == model.MatchTypeAlias && top.MatchScore == 1.0 {
		d, err := model.NewReconcileDecision(entity, model.ActionMerge, top.CandidatePath, 1.0,
			fmt.Sprintf("exact alias match with %s", top.CandidateName), false, candidates)
		return Outcome{Decision: d, Rule: RuleExactAlias}, true, err
	}

	if top.MatchScore >= e.thresholds.AutoMerge {
		d, err := model.NewReconcileDecision(entity, model.ActionMerge, top.CandidatePath, top.MatchScore,
			fmt.Sprintf("high-confidence %s match with %s (%.2f)", top.MatchType, top.CandidateName, top.MatchScore),
			false, candidates)
		return Outcome{Decision: d, Rule: RuleAutoMerge}, true, err
	}

	if top.MatchType == model.MatchTypeEmailDomain && top.MatchScore >= e.thresholds.AutoUpdate {
		d, err := model.NewReconcileDecision(entity, model.ActionUpdate, top.CandidatePath, 0.9,
			fmt.Sprintf("shared email domain with %s (%.2f)", top.CandidateName, top.MatchScore),
			false, candidates)
		return Outcome{Decision: d, Rule: RuleDomainUpdate}, true, err
	}

	if top.MatchScore < e.thresholds.AutoCreate {
		d, err := model.NewReconcileDecision(entity, model.ActionCreate, "", 0.8,
			fmt.Sprintf("best match %s scored only %.2f", top.CandidateName, top.MatchScore),
			false, candidates)
		return Outcome{Decision: d, Rule: RuleWeakCreate}, true, err
	}

	return Outcome{}, false, nil
}

// askOracle sends all escalated entities in one call. A nil client counts
// as a failure so every escalated case falls back uniformly.
func (e *Engine) askOracle(ctx context.Context, inputs []Input, escalated []int) (*oracle.BatchResponse, error) {
	if !e.useOracle {
		return nil, errOracleDisabled
	}

	req := oracle.BatchRequest{Entities: make([]oracle.EntityRequest, 0, len(escalated))}
	for _, i := range escalated {
		req.Entities = append(req.Entities, toEntityRequest(inputs[i]))
	}

	return resilience.DoVal(ctx, e.retry, "oracle.decide", func(ctx context.Context) (*oracle.BatchResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.oracle.Decide(callCtx, req)
	})
}

// maxOracleCandidates bounds the prompt size per entity.
const maxOracleCandidates = 5

func toEntityRequest(in Input) oracle.EntityRequest {
	req := oracle.EntityRequest{
		Name:       in.Entity.Name,
		EntityType: in.Entity.EntityType,
		Industry:   in.Entity.Industry,
	}
	for _, c := range in.Entity.Contacts {
		req.Contacts = append(req.Contacts, oracle.Contact{Name: c.Name, Email: c.Email, Role: c.Role})
	}
	candidates := in.Candidates
	if len(candidates) > maxOracleCandidates {
		candidates = candidates[:maxOracleCandidates]
	}
	for _, c := range candidates {
		req.Candidates = append(req.Candidates, oracle.Candidate{
			Path:      c.CandidatePath,
			Name:      c.CandidateName,
			MatchType: string(c.MatchType),
			Score:     c.MatchScore,
		})
	}
	return req
}

// resolveEscalated maps one escalated input onto its oracle verdict, or the
// conservative fallback when the call failed, the verdict is missing, or it
// is unusable.
func (e *Engine) resolveEscalated(in Input, verdicts *oracle.BatchResponse, oracleErr error) (Outcome, error) {
	if oracleErr != nil {
		return e.fallback(in, fmt.Sprintf("oracle unavailable: %v", oracleErr))
	}

	v, ok := verdicts.For(in.Entity.Name)
	if !ok {
		return e.fallback(in, "oracle returned no verdict for entity")
	}
	if !model.ValidAction(v.Action) {
		return e.fallback(in, fmt.Sprintf("oracle returned unknown action %q", v.Action))
	}

	needsReview := v.Confidence < oracleReviewFloor
	reasoning := v.Reasoning
	if reasoning == "" {
		reasoning = "oracle decision"
	}

	d, err := model.NewReconcileDecision(in.Entity, model.Action(v.Action), v.TargetPath,
		v.Confidence, reasoning, needsReview, in.Candidates)
	if err != nil {
		// Oracle named merge/update without a valid target.
		return e.fallback(in, fmt.Sprintf("oracle verdict invalid: %v", err))
	}
	return Outcome{Decision: d, Rule: RuleOracle}, nil
}

func (e *Engine) fallback(in Input, reason string) (Outcome, error) {
	d, err := model.NewReconcileDecision(in.Entity, model.ActionCreate, "", 0.5,
		reason, true, in.Candidates)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: d, Rule: RuleOracleFailure}, nil
}

func (e *Engine) record(o Outcome) {
	zap.L().Debug("reconcile decision",
		zap.String("entity", o.Decision.EntityName),
		zap.String("action", string(o.Decision.Action)),
		zap.String("rule", string(o.Rule)),
		zap.Float64("confidence", o.Decision.Confidence),
		zap.Bool("needs_review", o.Decision.NeedsReview),
	)
	if e.audit == nil {
		return
	}
	action := "auto_decide"
	if o.Rule == RuleOracle || o.Rule == RuleOracleFailure {
		action = "llm_decide"
	}
	e.audit.Log("reconciliation", action, map[string]any{
		"entity_name":  o.Decision.EntityName,
		"action":       string(o.Decision.Action),
		"target_path":  o.Decision.TargetPath,
		"confidence":   o.Decision.Confidence,
		"rule":         string(o.Rule),
		"needs_review": o.Decision.NeedsReview,
		"ambiguous":    e.thresholds.RequiresOracle(topScore(o.Decision.Candidates)),
	})
}

func topScore(candidates []model.MatchCandidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	return candidates[0].MatchScore
}
