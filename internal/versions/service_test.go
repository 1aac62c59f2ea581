package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"verdict/internal/registry"
	pkgerrors "verdict/pkg/errors"
)

func setupService(t *testing.T) (Service, *MemoryRepository, registry.Repository) {
	t.Helper()

	rules := registry.NewMemoryRepository()
	repo := NewMemoryRepository(rules, time.Second)
	svc := NewService(repo)
	return svc, repo, rules
}

func createRule(t *testing.T, rules registry.Repository, ruleID, ruleset string) {
	t.Helper()
	err := rules.CreateRule(context.Background(), &registry.Rule{
		RuleID:  ruleID,
		Ruleset: ruleset,
		Status:  registry.StatusActive,
	})
	require.NoError(t, err)
}

func contentJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestCreateVersion_SequentialNumbering(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	for i := 1; i <= 5; i++ {
		v, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
			Content:   contentJSON(t, map[string]int{"threshold": i * 100}),
			CreatedBy: "tester",
		})
		require.NoError(t, err)
		assert.Equal(t, i, v.VersionNumber)
		assert.Equal(t, StatusDraft, v.Status)
	}
}

func TestCreateVersion_ConcurrentNumbering(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	const n = 25

	var mu sync.Mutex
	var numbers []int

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := svc.CreateVersion(gctx, "loan_approval", CreateVersionRequest{
				Content:   contentJSON(t, map[string]int{"attempt": i}),
				CreatedBy: "tester",
			})
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, v.VersionNumber)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Ints(numbers)
	require.Len(t, numbers, n)
	for i, num := range numbers {
		assert.Equal(t, i+1, num, "version numbers must be dense with no gaps or duplicates")
	}
}

func TestCreateVersion_Validation(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	tests := []struct {
		name string
		req  CreateVersionRequest
	}{
		{
			name: "missing content",
			req:  CreateVersionRequest{CreatedBy: "tester"},
		},
		{
			name: "missing created_by",
			req:  CreateVersionRequest{Content: contentJSON(t, map[string]int{"a": 1})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateVersion(ctx, "loan_approval", tt.req)
			assert.True(t, pkgerrors.IsValidation(err))
		})
	}
}

func TestCreateVersion_RuleNotFound(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.CreateVersion(context.Background(), "ghost", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"a": 1}),
		CreatedBy: "tester",
	})
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestCreateVersion_Contention(t *testing.T) {
	rules := registry.NewMemoryRepository()
	repo := NewMemoryRepository(rules, 50*time.Millisecond)
	svc := NewService(repo)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	require.NoError(t, repo.acquire(ctx, "loan_approval", "test"))
	defer repo.release("loan_approval")

	_, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"a": 1}),
		CreatedBy: "tester",
	})
	assert.True(t, pkgerrors.IsContention(err))
}

func TestCreateVersion_OtherRulesDoNotBlock(t *testing.T) {
	rules := registry.NewMemoryRepository()
	repo := NewMemoryRepository(rules, 50*time.Millisecond)
	svc := NewService(repo)
	ctx := context.Background()
	createRule(t, rules, "rule_a", "finance")
	createRule(t, rules, "rule_b", "finance")

	require.NoError(t, repo.acquire(ctx, "rule_a", "test"))
	defer repo.release("rule_a")

	_, err := svc.CreateVersion(ctx, "rule_b", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"a": 1}),
		CreatedBy: "tester",
	})
	assert.NoError(t, err, "lock granularity is per rule")
}

func TestActivate_ArchivesPriorActive(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	v1, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"threshold": 1000}),
		CreatedBy: "tester",
		Activate:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v1.Status)

	v2, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"threshold": 2000}),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	activated, err := svc.Activate(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, activated.Status)

	reloaded, err := svc.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, reloaded.Status)

	active, err := svc.ActiveVersion(ctx, "loan_approval")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)
}

func TestActivate_ConcurrentKeepsInvariant(t *testing.T) {
	svc, repo, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	var ids []string
	for i := 0; i < 10; i++ {
		v, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
			Content:   contentJSON(t, map[string]int{"threshold": i}),
			CreatedBy: "tester",
		})
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := svc.Activate(gctx, id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	all, err := repo.GetVersions(ctx, "loan_approval")
	require.NoError(t, err)

	activeCount := 0
	for _, v := range all {
		if v.Status == StatusActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one version may be active after concurrent activations")
}

func TestActivate_NotFound(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.Activate(context.Background(), "missing-version")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestVersions_DescendingOrder(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	for i := 0; i < 3; i++ {
		_, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
			Content:   contentJSON(t, map[string]int{"threshold": i}),
			CreatedBy: "tester",
		})
		require.NoError(t, err)
	}

	result, err := svc.Versions(ctx, "loan_approval")
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{
		result[0].VersionNumber, result[1].VersionNumber, result[2].VersionNumber,
	})
}

func TestCompare_ReportsChangedField(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	v1, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]interface{}{"threshold": 1000}),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	v2, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]interface{}{"threshold": 2000, "currency": "EUR"}),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	diff, err := svc.Compare(ctx, v1.ID, v2.ID)
	require.NoError(t, err)

	change, ok := diff.Changed["threshold"]
	require.True(t, ok)
	assert.Equal(t, float64(1000), change.From)
	assert.Equal(t, float64(2000), change.To)
	assert.Contains(t, diff.Added, "currency")
	assert.Empty(t, diff.Removed)
}

func TestCompare_AcrossRulesNeverFails(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "rule_a", "finance")
	createRule(t, rules, "rule_b", "access")

	va, err := svc.CreateVersion(ctx, "rule_a", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"x": 1}),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	vb, err := svc.CreateVersion(ctx, "rule_b", CreateVersionRequest{
		Content:   json.RawMessage(`not valid json at all`),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	diff, err := svc.Compare(ctx, va.ID, vb.ID)
	require.NoError(t, err)
	assert.Contains(t, diff.Removed, "x")
}

func TestEndToEndVersioningScenario(t *testing.T) {
	svc, _, rules := setupService(t)
	ctx := context.Background()
	createRule(t, rules, "loan_approval", "finance")

	v1, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"threshold": 1000}),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	_, err = svc.Activate(ctx, v1.ID)
	require.NoError(t, err)

	v2, err := svc.CreateVersion(ctx, "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"threshold": 2000}),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	_, err = svc.Activate(ctx, v2.ID)
	require.NoError(t, err)

	v1Reloaded, err := svc.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, v1Reloaded.Status)

	active, err := svc.ActiveVersion(ctx, "loan_approval")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)

	all, err := svc.Versions(ctx, "loan_approval")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, v2.ID, all[0].ID)
	assert.Equal(t, v1.ID, all[1].ID)

	diff, err := svc.Compare(ctx, v1.ID, v2.ID)
	require.NoError(t, err)
	change, ok := diff.Changed["threshold"]
	require.True(t, ok)
	assert.Equal(t, float64(1000), change.From)
	assert.Equal(t, float64(2000), change.To)
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(content json.RawMessage) error {
	return fmt.Errorf("document rejected")
}

func TestCreateVersion_ValidatorRejectsContent(t *testing.T) {
	rules := registry.NewMemoryRepository()
	repo := NewMemoryRepository(rules, time.Second)
	svc := NewService(repo, WithValidator(rejectAllValidator{}))
	createRule(t, rules, "loan_approval", "finance")

	_, err := svc.CreateVersion(context.Background(), "loan_approval", CreateVersionRequest{
		Content:   contentJSON(t, map[string]int{"a": 1}),
		CreatedBy: "tester",
	})
	assert.True(t, pkgerrors.IsValidation(err))
}
