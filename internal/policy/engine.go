package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"verdict/internal/config"
	"verdict/internal/constants"
	"verdict/internal/logger"
	"verdict/internal/registry"
	"verdict/internal/versions"
	"verdict/pkg/cel"
	pkgerrors "verdict/pkg/errors"
	"verdict/pkg/metrics"
	"verdict/pkg/retry"
)

const baselineRuleID = "baseline_access"

// Engine renders allow/deny decisions from the active policy content of
// the rulesets relevant to a context. It holds no mutable state beyond
// an optional content cache; evaluation is side-effect free.
type Engine struct {
	rules          registry.Service
	store          versions.Service
	cache          ContentCache
	evaluator      *cel.Evaluator
	logger         logger.Logger
	defaultRuleset string
	bootstrapCfg   config.BootstrapConfig
	bootstrapped   atomic.Bool
}

type EngineOption func(*Engine)

func WithCache(cache ContentCache) EngineOption {
	return func(e *Engine) {
		e.cache = cache
	}
}

func WithGuardEvaluator(evaluator *cel.Evaluator) EngineOption {
	return func(e *Engine) {
		e.evaluator = evaluator
	}
}

func WithDefaultRuleset(ruleset string) EngineOption {
	return func(e *Engine) {
		e.defaultRuleset = ruleset
	}
}

func WithBootstrapConfig(cfg config.BootstrapConfig) EngineOption {
	return func(e *Engine) {
		e.bootstrapCfg = cfg
	}
}

func NewEngine(rules registry.Service, store versions.Service, log logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:          rules,
		store:          store,
		logger:         log,
		defaultRuleset: constants.DefaultRuleset,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate renders a decision for the context. It never returns an
// error: malformed context fields simply match no clause, and absence of
// rules yields the default deny.
func (e *Engine) Evaluate(ctx context.Context, decCtx Context) Result {
	start := time.Now()

	for _, ruleset := range e.resolveRulesets(decCtx) {
		rules, err := e.rules.ListRules(ctx, ruleset)
		if err != nil {
			e.logger.ErrorwCtx(ctx, "Failed to list rules for ruleset", "ruleset", ruleset, "error", err)
			continue
		}

		for _, rule := range rules {
			if rule.Status != registry.StatusActive {
				continue
			}

			versionNumber, content := e.activeContent(ctx, rule.RuleID)
			if content == nil {
				continue
			}

			doc := DecodeDocument(content)
			for _, clause := range doc.Clauses {
				if !e.clauseMatches(ctx, clause, decCtx) {
					continue
				}

				result := e.buildResult(clause, rule.RuleID, ruleset, versionNumber)
				metrics.DecisionsTotal.WithLabelValues(result.Decision).Inc()
				metrics.ObserveDecisionDuration(time.Since(start), result.Decision)
				return result
			}
		}
	}

	result := Result{
		Decision:     DecisionDenied,
		Explanations: []string{"no matching rule"},
	}
	metrics.DecisionsTotal.WithLabelValues(result.Decision).Inc()
	metrics.ObserveDecisionDuration(time.Since(start), result.Decision)
	return result
}

// EnsureRulesInitialized guarantees the baseline rule set exists with an
// active version. Idempotent and safe on every evaluation path; a
// failure is reported as a bootstrap error the caller can log without
// aborting its request.
func (e *Engine) EnsureRulesInitialized(ctx context.Context) error {
	if e.bootstrapped.Load() {
		return nil
	}

	policy := retry.DefaultPolicy()
	if e.bootstrapCfg.MaxAttempts > 0 {
		policy.MaxAttempts = e.bootstrapCfg.MaxAttempts
	}
	if e.bootstrapCfg.Interval > 0 {
		policy.InitialInterval = e.bootstrapCfg.Interval
	}

	err := retry.Retry(ctx, policy, func() error {
		if err := e.ensureBaseline(ctx); err != nil {
			if pkgerrors.IsContention(err) {
				return err
			}
			return retry.NewFatalError(err)
		}
		return nil
	})
	if err != nil {
		// Always classified as a bootstrap failure so callers never
		// conflate a degraded baseline with a broken decision path.
		return pkgerrors.ErrBootstrap.WithCause(err)
	}

	e.bootstrapped.Store(true)
	return nil
}

func (e *Engine) ensureBaseline(ctx context.Context) error {
	rule, err := e.rules.GetRule(ctx, baselineRuleID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		return err
	}

	if rule == nil || pkgerrors.IsNotFound(err) {
		_, err = e.rules.CreateRule(ctx, registry.CreateRuleRequest{
			RuleID:  baselineRuleID,
			Ruleset: e.defaultRuleset,
			Status:  registry.StatusActive,
		})
		// A concurrent bootstrap may have created it first.
		if err != nil && !pkgerrors.IsConflict(err) {
			return err
		}
	}

	active, err := e.store.ActiveVersion(ctx, baselineRuleID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}

	content, err := json.Marshal(baselineDocument())
	if err != nil {
		return err
	}

	_, err = e.store.CreateVersion(ctx, baselineRuleID, versions.CreateVersionRequest{
		Content:   content,
		CreatedBy: constants.SystemActor,
		Changelog: "baseline access rules",
		Activate:  true,
	})
	if err != nil && !pkgerrors.IsConflict(err) {
		return err
	}
	return nil
}

func baselineDocument() Document {
	return Document{
		Version: 1,
		Clauses: []Clause{
			{
				Name:        "admin_full_access",
				Description: "administrators may perform any action",
				Effect:      EffectAllow,
				Roles:       []string{"admin"},
			},
			{
				Name:            "owner_read_access",
				Description:     "callers may read resources they own",
				Effect:          EffectAllow,
				Actions:         []string{"read", "list"},
				OwnResourceOnly: true,
			},
		},
	}
}

// resolveRulesets picks the rulesets relevant to the context: the one
// named after the resource type, then the default ruleset.
func (e *Engine) resolveRulesets(decCtx Context) []string {
	var rulesets []string
	if decCtx.ResourceType != "" && decCtx.ResourceType != e.defaultRuleset {
		rulesets = append(rulesets, decCtx.ResourceType)
	}
	rulesets = append(rulesets, e.defaultRuleset)
	return rulesets
}

// cachedContent is the envelope the engine stores in the content cache,
// so a cache hit carries the version number the explanations cite.
type cachedContent struct {
	VersionNumber int             `json:"version_number"`
	Content       json.RawMessage `json:"content"`
}

func (e *Engine) activeContent(ctx context.Context, ruleID string) (int, json.RawMessage) {
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, ruleID); ok {
			var entry cachedContent
			if err := json.Unmarshal(raw, &entry); err == nil && len(entry.Content) > 0 {
				return entry.VersionNumber, entry.Content
			}
		}
	}

	version, err := e.store.ActiveVersion(ctx, ruleID)
	if err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to load active version", "rule_id", ruleID, "error", err)
		return 0, nil
	}
	if version == nil {
		return 0, nil
	}

	if e.cache != nil {
		if raw, err := json.Marshal(cachedContent{VersionNumber: version.VersionNumber, Content: version.Content}); err == nil {
			e.cache.Set(ctx, ruleID, raw)
		}
	}
	return version.VersionNumber, version.Content
}

func (e *Engine) clauseMatches(ctx context.Context, clause Clause, decCtx Context) bool {
	if len(clause.Roles) > 0 && !contains(clause.Roles, decCtx.UserRole) {
		return false
	}
	if len(clause.Actions) > 0 && !contains(clause.Actions, decCtx.Action) {
		return false
	}
	if len(clause.ResourceTypes) > 0 && !contains(clause.ResourceTypes, decCtx.ResourceType) {
		return false
	}
	if clause.OwnResourceOnly && !decCtx.IsOwnResource() {
		return false
	}

	if clause.AmountMax != nil {
		// Threshold predicates apply to approve actions only; a missing
		// or unparsable amount never passes an amount bound.
		if decCtx.Action != constants.ActionApprove {
			return false
		}
		amount, ok := decCtx.ParseAmount()
		if !ok {
			return false
		}
		if clause.AmountExclusive {
			if amount >= *clause.AmountMax {
				return false
			}
		} else if amount > *clause.AmountMax {
			return false
		}
	}

	if clause.When != "" {
		if e.evaluator == nil {
			return false
		}
		matched, err := e.evaluator.Evaluate(ctx, clause.When, e.guardVars(decCtx))
		if err != nil {
			e.logger.WarnwCtx(ctx, "Guard expression failed, treating clause as non-matching",
				"clause", clause.Name, "error", err)
			return false
		}
		if !matched {
			return false
		}
	}

	return true
}

func (e *Engine) guardVars(decCtx Context) map[string]interface{} {
	amount, hasAmount := decCtx.ParseAmount()
	attributes := decCtx.Attributes
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	return map[string]interface{}{
		"user_id":         decCtx.UserID,
		"role":            decCtx.UserRole,
		"action":          decCtx.Action,
		"resource_type":   decCtx.ResourceType,
		"resource_owner":  decCtx.ResourceOwner,
		"is_own_resource": decCtx.IsOwnResource(),
		"amount":          amount,
		"has_amount":      hasAmount,
		"attributes":      attributes,
	}
}

func (e *Engine) buildResult(clause Clause, ruleID, ruleset string, versionNumber int) Result {
	decision := DecisionDenied
	if clause.Effect == EffectAllow {
		decision = DecisionAllowed
	}

	leading := fmt.Sprintf("clause '%s' matched", clause.Name)
	if clause.Description != "" {
		leading = fmt.Sprintf("clause '%s' matched: %s", clause.Name, clause.Description)
	}

	explanations := []string{
		leading,
		fmt.Sprintf("rule '%s' (ruleset '%s') version %d", ruleID, ruleset, versionNumber),
	}

	return Result{Decision: decision, Explanations: explanations}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
