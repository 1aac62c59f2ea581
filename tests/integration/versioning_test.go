package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"verdict/internal/registry"
	"verdict/internal/versions"
	pkgerrors "verdict/pkg/errors"
)

func setupVersioning(t *testing.T) (*TestInfra, registry.Service, versions.Service, versions.Repository) {
	t.Helper()

	infra := SetupTestInfra(t)

	versionsRepo := versions.NewRepository(infra.PostgresDB, 2*time.Second)
	versionsSvc := versions.NewService(versionsRepo)
	registrySvc := registry.NewService(registry.NewRepository(infra.PostgresDB),
		registry.WithVersionPurger(versionsRepo),
	)
	return infra, registrySvc, versionsSvc, versionsRepo
}

func TestPostgresRuleLifecycle(t *testing.T) {
	_, rules, store, _ := setupVersioning(t)
	ctx := context.Background()

	rule, err := rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "loan_approval", Ruleset: "finance"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, rule.Status)

	_, err = rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "loan_approval", Ruleset: "finance"})
	assert.True(t, pkgerrors.IsConflict(err))

	fetched, err := rules.GetRule(ctx, "loan_approval")
	require.NoError(t, err)
	assert.Equal(t, "finance", fetched.Ruleset)

	updated, err := rules.UpdateStatus(ctx, "loan_approval", registry.UpdateRuleStatusRequest{Status: registry.StatusInactive})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInactive, updated.Status)

	_, err = store.CreateVersion(ctx, "loan_approval", versions.CreateVersionRequest{
		Content:   json.RawMessage(`{"clauses": []}`),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	require.NoError(t, rules.DeleteRule(ctx, "loan_approval"))

	_, err = rules.GetRule(ctx, "loan_approval")
	assert.True(t, pkgerrors.IsNotFound(err))

	remaining, err := store.Versions(ctx, "loan_approval")
	require.NoError(t, err)
	assert.Empty(t, remaining, "deleting a rule must remove its versions")
}

func TestPostgresConcurrentVersionNumbering(t *testing.T) {
	_, rules, store, _ := setupVersioning(t)
	ctx := context.Background()

	_, err := rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "loan_approval", Ruleset: "finance"})
	require.NoError(t, err)

	const writers = 20

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			_, err := store.CreateVersion(ctx, "loan_approval", versions.CreateVersionRequest{
				Content:   json.RawMessage(fmt.Sprintf(`{"clauses": [], "version": %d}`, i)),
				CreatedBy: "tester",
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	all, err := store.Versions(ctx, "loan_approval")
	require.NoError(t, err)
	require.Len(t, all, writers)

	numbers := make([]int, 0, len(all))
	for _, v := range all {
		numbers = append(numbers, v.VersionNumber)
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		assert.Equal(t, i+1, n, "version numbers must be dense with no gaps")
	}
}

func TestPostgresConcurrentActivationKeepsSingleActive(t *testing.T) {
	infra, rules, store, _ := setupVersioning(t)
	ctx := context.Background()

	_, err := rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "loan_approval", Ruleset: "finance"})
	require.NoError(t, err)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		v, err := store.CreateVersion(ctx, "loan_approval", versions.CreateVersionRequest{
			Content:   json.RawMessage(`{"clauses": []}`),
			CreatedBy: "tester",
		})
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := store.Activate(ctx, id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var activeCount int
	err = infra.PostgresDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rule_versions WHERE rule_id = $1 AND status = $2`,
		"loan_approval", versions.StatusActive,
	).Scan(&activeCount)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount)

	active, err := store.ActiveVersion(ctx, "loan_approval")
	require.NoError(t, err)
	require.NotNil(t, active)
}

func TestPostgresLockTimeoutSurfacesContention(t *testing.T) {
	infra, rules, _, _ := setupVersioning(t)
	ctx := context.Background()

	_, err := rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "loan_approval", Ruleset: "finance"})
	require.NoError(t, err)

	// Hold the rules row lock in a separate transaction so the write
	// path has to wait past its lock timeout.
	blocker, err := infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer blocker.Rollback()

	_, err = blocker.ExecContext(ctx, `SELECT rule_id FROM rules WHERE rule_id = $1 FOR UPDATE`, "loan_approval")
	require.NoError(t, err)

	impatient := versions.NewService(versions.NewRepository(infra.PostgresDB, 100*time.Millisecond))
	_, err = impatient.CreateVersion(ctx, "loan_approval", versions.CreateVersionRequest{
		Content:   json.RawMessage(`{"clauses": []}`),
		CreatedBy: "tester",
	})
	assert.True(t, pkgerrors.IsContention(err), "blocked writer must report contention, got: %v", err)

	require.NoError(t, blocker.Rollback())
}

func TestPostgresActivationArchivesPrior(t *testing.T) {
	_, rules, store, _ := setupVersioning(t)
	ctx := context.Background()

	_, err := rules.CreateRule(ctx, registry.CreateRuleRequest{RuleID: "loan_approval", Ruleset: "finance"})
	require.NoError(t, err)

	first, err := store.CreateVersion(ctx, "loan_approval", versions.CreateVersionRequest{
		Content:   json.RawMessage(`{"clauses": []}`),
		CreatedBy: "tester",
		Activate:  true,
	})
	require.NoError(t, err)

	second, err := store.CreateVersion(ctx, "loan_approval", versions.CreateVersionRequest{
		Content:   json.RawMessage(`{"clauses": []}`),
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	_, err = store.Activate(ctx, second.ID)
	require.NoError(t, err)

	reloaded, err := store.GetVersion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, versions.StatusArchived, reloaded.Status)

	active, err := store.ActiveVersion(ctx, "loan_approval")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}
