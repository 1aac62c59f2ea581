package policy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdict/internal/logger"
	"verdict/internal/registry"
	"verdict/internal/versions"
	"verdict/pkg/cel"
)

func floatPtr(f float64) *float64 {
	return &f
}

func newTestEngine(t *testing.T) (*Engine, registry.Service, versions.Service) {
	t.Helper()

	rulesRepo := registry.NewMemoryRepository()
	versionsRepo := versions.NewMemoryRepository(rulesRepo, time.Second)
	cache := NewMemoryCache(time.Minute)

	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)

	versionsSvc := versions.NewService(versionsRepo,
		versions.WithValidator(NewValidator(evaluator)),
		versions.WithInvalidator(cache),
	)
	registrySvc := registry.NewService(rulesRepo,
		registry.WithVersionPurger(versionsRepo),
		registry.WithInvalidator(cache),
	)

	engine := NewEngine(registrySvc, versionsSvc, logger.NopLogger(),
		WithCache(cache),
		WithGuardEvaluator(evaluator),
	)
	return engine, registrySvc, versionsSvc
}

func installPolicy(t *testing.T, rules registry.Service, store versions.Service, ruleID, ruleset string, doc Document) *versions.RuleVersion {
	t.Helper()
	ctx := context.Background()

	_, err := rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: ruleID, Ruleset: ruleset})
	require.NoError(t, err)

	content, err := json.Marshal(doc)
	require.NoError(t, err)

	version, err := store.CreateVersion(ctx, ruleID, versions.CreateVersionRequest{
		Content:   content,
		CreatedBy: "tester",
		Activate:  true,
	})
	require.NoError(t, err)
	return version
}

func TestEvaluate_ThresholdSemantics(t *testing.T) {
	engine, rules, store := newTestEngine(t)

	installPolicy(t, rules, store, "loan_approval", "finance", Document{
		Clauses: []Clause{
			{
				Name:      "manager_approval_limit",
				Effect:    EffectAllow,
				Roles:     []string{"manager"},
				Actions:   []string{"approve"},
				AmountMax: floatPtr(2000),
			},
		},
	})

	base := Context{
		UserID:        "u1",
		UserRole:      "manager",
		Action:        "approve",
		ResourceType:  "finance",
		ResourceOwner: "u1",
	}

	within := base
	within.Amount = "1500"
	result := engine.Evaluate(context.Background(), within)
	assert.Equal(t, DecisionAllowed, result.Decision)
	assert.NotEmpty(t, result.Explanations)

	atBound := base
	atBound.Amount = "2000"
	result = engine.Evaluate(context.Background(), atBound)
	assert.Equal(t, DecisionAllowed, result.Decision, "threshold bound is inclusive")

	over := base
	over.Amount = "2500"
	result = engine.Evaluate(context.Background(), over)
	assert.Equal(t, DecisionDenied, result.Decision)
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	result := engine.Evaluate(context.Background(), Context{
		UserID:   "u1",
		UserRole: "analyst",
		Action:   "read",
	})
	assert.Equal(t, DecisionDenied, result.Decision)
	require.NotEmpty(t, result.Explanations)
	assert.Contains(t, result.Explanations[0], "no matching rule")
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	engine, rules, store := newTestEngine(t)

	installPolicy(t, rules, store, "ordering", "access", Document{
		Clauses: []Clause{
			{
				Name:   "deny_contractors",
				Effect: EffectDeny,
				Roles:  []string{"contractor"},
			},
			{
				Name:   "allow_everyone",
				Effect: EffectAllow,
			},
		},
	})

	result := engine.Evaluate(context.Background(), Context{
		UserID:   "u1",
		UserRole: "contractor",
		Action:   "read",
	})
	assert.Equal(t, DecisionDenied, result.Decision)
	assert.Contains(t, result.Explanations[0], "deny_contractors")

	result = engine.Evaluate(context.Background(), Context{
		UserID:   "u2",
		UserRole: "employee",
		Action:   "read",
	})
	assert.Equal(t, DecisionAllowed, result.Decision)
	assert.Contains(t, result.Explanations[0], "allow_everyone")
}

func TestEvaluate_MissingAmountFailsAmountClause(t *testing.T) {
	engine, rules, store := newTestEngine(t)

	installPolicy(t, rules, store, "loan_approval", "finance", Document{
		Clauses: []Clause{
			{
				Name:      "manager_approval_limit",
				Effect:    EffectAllow,
				Roles:     []string{"manager"},
				Actions:   []string{"approve"},
				AmountMax: floatPtr(2000),
			},
		},
	})

	tests := []struct {
		name   string
		amount string
	}{
		{name: "absent amount", amount: ""},
		{name: "unparsable amount", amount: "lots"},
		{name: "negative amount", amount: "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Evaluate(context.Background(), Context{
				UserID:       "u1",
				UserRole:     "manager",
				Action:       "approve",
				ResourceType: "finance",
				Amount:       tt.amount,
			})
			assert.Equal(t, DecisionDenied, result.Decision)
		})
	}
}

func TestEvaluate_OwnResourceOnly(t *testing.T) {
	engine, rules, store := newTestEngine(t)

	installPolicy(t, rules, store, "documents", "access", Document{
		Clauses: []Clause{
			{
				Name:            "owner_read",
				Effect:          EffectAllow,
				Actions:         []string{"read"},
				OwnResourceOnly: true,
			},
		},
	})

	own := engine.Evaluate(context.Background(), Context{
		UserID:        "u1",
		UserRole:      "employee",
		Action:        "read",
		ResourceOwner: "u1",
	})
	assert.Equal(t, DecisionAllowed, own.Decision)

	unowned := engine.Evaluate(context.Background(), Context{
		UserID:   "u1",
		UserRole: "employee",
		Action:   "read",
	})
	assert.Equal(t, DecisionAllowed, unowned.Decision, "an absent owner counts as owned")

	foreign := engine.Evaluate(context.Background(), Context{
		UserID:        "u1",
		UserRole:      "employee",
		Action:        "read",
		ResourceOwner: "u2",
	})
	assert.Equal(t, DecisionDenied, foreign.Decision)
}

func TestEvaluate_GuardExpression(t *testing.T) {
	engine, rules, store := newTestEngine(t)

	installPolicy(t, rules, store, "guarded", "access", Document{
		Clauses: []Clause{
			{
				Name:   "high_trust_only",
				Effect: EffectAllow,
				When:   `attributes.trust_level == "high"`,
			},
		},
	})

	result := engine.Evaluate(context.Background(), Context{
		UserID:     "u1",
		UserRole:   "employee",
		Action:     "read",
		Attributes: map[string]interface{}{"trust_level": "high"},
	})
	assert.Equal(t, DecisionAllowed, result.Decision)

	result = engine.Evaluate(context.Background(), Context{
		UserID:     "u1",
		UserRole:   "employee",
		Action:     "read",
		Attributes: map[string]interface{}{"trust_level": "low"},
	})
	assert.Equal(t, DecisionDenied, result.Decision)

	// Missing attribute makes the guard error, treated as non-matching.
	result = engine.Evaluate(context.Background(), Context{
		UserID:   "u1",
		UserRole: "employee",
		Action:   "read",
	})
	assert.Equal(t, DecisionDenied, result.Decision)
}

func TestEvaluate_InactiveRuleIgnored(t *testing.T) {
	engine, rules, store := newTestEngine(t)
	ctx := context.Background()

	installPolicy(t, rules, store, "dormant", "access", Document{
		Clauses: []Clause{
			{Name: "allow_all", Effect: EffectAllow},
		},
	})

	_, err := rules.UpdateStatus(ctx, "dormant", registry.UpdateRuleStatusRequest{Status: registry.StatusInactive})
	require.NoError(t, err)

	result := engine.Evaluate(ctx, Context{UserID: "u1", UserRole: "employee", Action: "read"})
	assert.Equal(t, DecisionDenied, result.Decision)
}

func TestEvaluate_CorruptContentDegradesToDeny(t *testing.T) {
	ctx := context.Background()

	rulesRepo := registry.NewMemoryRepository()
	versionsRepo := versions.NewMemoryRepository(rulesRepo, time.Second)
	registrySvc := registry.NewService(rulesRepo)
	versionsSvc := versions.NewService(versionsRepo)
	engine := NewEngine(registrySvc, versionsSvc, logger.NopLogger())

	_, err := registrySvc.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "corrupt", Ruleset: "access"})
	require.NoError(t, err)

	// Write straight to the repository the way legacy stored content
	// would have arrived, bypassing the creation-time validator.
	err = versionsRepo.CreateVersion(ctx, &versions.RuleVersion{
		RuleID:    "corrupt",
		Content:   json.RawMessage(`this is not a policy document`),
		Status:    versions.StatusActive,
		CreatedBy: "legacy",
	})
	require.NoError(t, err)

	result := engine.Evaluate(ctx, Context{UserID: "u1", UserRole: "admin", Action: "read"})
	assert.Equal(t, DecisionDenied, result.Decision)
	assert.Contains(t, result.Explanations[0], "no matching rule")
}

func TestEvaluate_StaleCacheInvalidatedOnActivation(t *testing.T) {
	engine, rules, store := newTestEngine(t)
	ctx := context.Background()

	installPolicy(t, rules, store, "cached", "access", Document{
		Clauses: []Clause{
			{Name: "deny_all", Effect: EffectDeny},
		},
	})

	result := engine.Evaluate(ctx, Context{UserID: "u1", UserRole: "employee", Action: "read"})
	assert.Equal(t, DecisionDenied, result.Decision)

	newContent, err := json.Marshal(Document{
		Clauses: []Clause{
			{Name: "allow_all", Effect: EffectAllow},
		},
	})
	require.NoError(t, err)

	_, err = store.CreateVersion(ctx, "cached", versions.CreateVersionRequest{
		Content:   newContent,
		CreatedBy: "tester",
		Activate:  true,
	})
	require.NoError(t, err)

	result = engine.Evaluate(ctx, Context{UserID: "u1", UserRole: "employee", Action: "read"})
	assert.Equal(t, DecisionAllowed, result.Decision, "committed activation must not serve stale content")
}

func TestEvaluate_ExplanationsStableAcrossCacheHits(t *testing.T) {
	engine, rules, store := newTestEngine(t)
	ctx := context.Background()

	installPolicy(t, rules, store, "documents", "access", Document{
		Clauses: []Clause{
			{Name: "allow_all", Effect: EffectAllow},
		},
	})

	decCtx := Context{UserID: "u1", UserRole: "employee", Action: "read"}

	first := engine.Evaluate(ctx, decCtx)
	second := engine.Evaluate(ctx, decCtx)

	assert.Equal(t, first.Explanations, second.Explanations,
		"a cache hit must explain the decision the same way a store read does")
	assert.Contains(t, second.Explanations[1], "version 1")
}

type flakyCache struct {
	*MemoryCache
	invalidateErr error
}

func (c *flakyCache) Invalidate(ctx context.Context, ruleID string) error {
	if c.invalidateErr != nil {
		return c.invalidateErr
	}
	return c.MemoryCache.Invalidate(ctx, ruleID)
}

func TestEvaluate_FailedInvalidationDoesNotServeStale(t *testing.T) {
	ctx := context.Background()

	rulesRepo := registry.NewMemoryRepository()
	versionsRepo := versions.NewMemoryRepository(rulesRepo, time.Second)
	flaky := &flakyCache{MemoryCache: NewMemoryCache(time.Minute)}
	cache := NewGuardedCache(flaky, logger.NopLogger())

	versionsSvc := versions.NewService(versionsRepo, versions.WithInvalidator(cache))
	registrySvc := registry.NewService(rulesRepo)
	engine := NewEngine(registrySvc, versionsSvc, logger.NopLogger(), WithCache(cache))

	installPolicy(t, registrySvc, versionsSvc, "flaky", "access", Document{
		Clauses: []Clause{
			{Name: "deny_all", Effect: EffectDeny},
		},
	})

	decCtx := Context{UserID: "u1", UserRole: "employee", Action: "read"}

	result := engine.Evaluate(ctx, decCtx)
	require.Equal(t, DecisionDenied, result.Decision)

	flaky.invalidateErr = errors.New("connection refused")

	newContent, err := json.Marshal(Document{
		Clauses: []Clause{
			{Name: "allow_all", Effect: EffectAllow},
		},
	})
	require.NoError(t, err)

	_, err = versionsSvc.CreateVersion(ctx, "flaky", versions.CreateVersionRequest{
		Content:   newContent,
		CreatedBy: "tester",
		Activate:  true,
	})
	require.NoError(t, err)

	result = engine.Evaluate(ctx, decCtx)
	assert.Equal(t, DecisionAllowed, result.Decision,
		"committed activation must not serve stale active content")

	flaky.invalidateErr = nil

	result = engine.Evaluate(ctx, decCtx)
	assert.Equal(t, DecisionAllowed, result.Decision)
	result = engine.Evaluate(ctx, decCtx)
	assert.Equal(t, DecisionAllowed, result.Decision, "cache must recover once invalidation succeeds")
}

func TestEnsureRulesInitialized_Idempotent(t *testing.T) {
	engine, rules, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.EnsureRulesInitialized(ctx))
	require.NoError(t, engine.EnsureRulesInitialized(ctx))

	rule, err := rules.GetRule(ctx, "baseline_access")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, rule.Status)

	all, err := store.Versions(ctx, "baseline_access")
	require.NoError(t, err)
	require.Len(t, all, 1, "bootstrap must not create duplicate baseline versions")
	assert.Equal(t, versions.StatusActive, all[0].Status)
}

func TestEnsureRulesInitialized_AdminAllowedAfterBootstrap(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.EnsureRulesInitialized(ctx))

	result := engine.Evaluate(ctx, Context{
		UserID:   "root",
		UserRole: "admin",
		Action:   "delete",
	})
	assert.Equal(t, DecisionAllowed, result.Decision)
}
