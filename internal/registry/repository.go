package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	pkgerrors "verdict/pkg/errors"
)

type Repository interface {
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, ruleset string) ([]Rule, error)
	ListActive(ctx context.Context) ([]Rule, error)
	CountActive(ctx context.Context) (int, error)
	UpdateStatus(ctx context.Context, ruleID, status string) error
	DeleteRule(ctx context.Context, ruleID string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateRule(ctx context.Context, rule *Rule) error {
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (rule_id, ruleset, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		rule.RuleID, rule.Ruleset, rule.Status, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" {
				return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("rule '%s' already exists", rule.RuleID))
			}
		}
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint") {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("rule '%s' already exists", rule.RuleID))
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	query := `
		SELECT rule_id, ruleset, status, created_at, updated_at
		FROM rules
		WHERE rule_id = $1
	`

	row := r.db.QueryRowContext(ctx, query, ruleID)

	var rule Rule
	err := row.Scan(
		&rule.RuleID, &rule.Ruleset, &rule.Status, &rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return &rule, nil
}

func (r *PostgresRepository) ListRules(ctx context.Context, ruleset string) ([]Rule, error) {
	query := `
		SELECT rule_id, ruleset, status, created_at, updated_at
		FROM rules
	`
	args := []interface{}{}
	if ruleset != "" {
		query += ` WHERE ruleset = $1`
		args = append(args, ruleset)
	}
	query += ` ORDER BY rule_id`

	return r.queryRules(ctx, query, args...)
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]Rule, error) {
	query := `
		SELECT rule_id, ruleset, status, created_at, updated_at
		FROM rules
		WHERE status = $1
		ORDER BY rule_id
	`
	return r.queryRules(ctx, query, StatusActive)
}

func (r *PostgresRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rules WHERE status = $1`, StatusActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active rules: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, ruleID, status string) error {
	query := `
		UPDATE rules
		SET status = $1, updated_at = $2
		WHERE rule_id = $3
	`

	res, err := r.db.ExecContext(ctx, query, status, time.Now(), ruleID)
	if err != nil {
		return fmt.Errorf("failed to update rule status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", ruleID)
	}

	return nil
}

// DeleteRule removes the rule row; owned versions are removed by the
// rule_versions foreign key's ON DELETE CASCADE.
func (r *PostgresRepository) DeleteRule(ctx context.Context, ruleID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", ruleID)
	}

	return nil
}

func (r *PostgresRepository) queryRules(ctx context.Context, query string, args ...interface{}) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		var rule Rule
		if err := rows.Scan(
			&rule.RuleID, &rule.Ruleset, &rule.Status, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}
