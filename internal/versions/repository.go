package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"verdict/internal/constants"
	pkgerrors "verdict/pkg/errors"
)

type Repository interface {
	CreateVersion(ctx context.Context, version *RuleVersion) error
	GetVersion(ctx context.Context, versionID string) (*RuleVersion, error)
	GetVersions(ctx context.Context, ruleID string) ([]RuleVersion, error)
	GetActiveVersion(ctx context.Context, ruleID string) (*RuleVersion, error)
	Activate(ctx context.Context, versionID string) (*RuleVersion, error)
	DeleteVersions(ctx context.Context, ruleID string) error
}

type PostgresRepository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewRepository(db *sql.DB, lockTimeout time.Duration) Repository {
	if lockTimeout <= 0 {
		lockTimeout = constants.DefaultLockTimeout
	}
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// CreateVersion assigns the next version number for the rule and inserts
// the row as one atomic unit. The owning rules row is locked FOR UPDATE
// so two concurrent creations for the same rule never observe the same
// current max; creations for different rules do not block each other.
func (r *PostgresRepository) CreateVersion(ctx context.Context, version *RuleVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return err
	}

	var ruleID string
	err = tx.QueryRowContext(ctx,
		`SELECT rule_id FROM rules WHERE rule_id = $1 FOR UPDATE`, version.RuleID,
	).Scan(&ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", version.RuleID)
	}
	if err != nil {
		return r.classifyLockError(err, "create_version")
	}

	var maxNumber sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version_number) FROM rule_versions WHERE rule_id = $1`, version.RuleID,
	).Scan(&maxNumber)
	if err != nil {
		return fmt.Errorf("failed to read current max version: %w", err)
	}

	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	version.VersionNumber = int(maxNumber.Int64) + 1
	now := time.Now()
	version.CreatedAt = now
	version.UpdatedAt = now
	if version.Status == "" {
		version.Status = StatusDraft
	}

	if version.Status == StatusActive {
		_, err = tx.ExecContext(ctx,
			`UPDATE rule_versions SET status = $1, updated_at = $2 WHERE rule_id = $3 AND status = $4`,
			StatusArchived, now, version.RuleID, StatusActive,
		)
		if err != nil {
			return fmt.Errorf("failed to archive prior active version: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_versions (id, rule_id, version_number, content, status, created_by, changelog, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		version.ID, version.RuleID, version.VersionNumber, []byte(version.Content),
		version.Status, version.CreatedBy, version.Changelog, version.CreatedAt, version.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message",
				fmt.Sprintf("version %d already exists for rule '%s'", version.VersionNumber, version.RuleID))
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return r.classifyLockError(err, "create_version")
	}

	return nil
}

func (r *PostgresRepository) GetVersion(ctx context.Context, versionID string) (*RuleVersion, error) {
	query := `
		SELECT id, rule_id, version_number, content, status, created_by, changelog, created_at, updated_at
		FROM rule_versions
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, versionID))
}

func (r *PostgresRepository) GetVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	query := `
		SELECT id, rule_id, version_number, content, status, created_by, changelog, created_at, updated_at
		FROM rule_versions
		WHERE rule_id = $1
		ORDER BY version_number DESC
	`

	rows, err := r.db.QueryContext(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var result []RuleVersion
	for rows.Next() {
		var v RuleVersion
		var content []byte
		if err := rows.Scan(
			&v.ID, &v.RuleID, &v.VersionNumber, &content,
			&v.Status, &v.CreatedBy, &v.Changelog, &v.CreatedAt, &v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.Content = content
		result = append(result, v)
	}

	return result, nil
}

func (r *PostgresRepository) GetActiveVersion(ctx context.Context, ruleID string) (*RuleVersion, error) {
	query := `
		SELECT id, rule_id, version_number, content, status, created_by, changelog, created_at, updated_at
		FROM rule_versions
		WHERE rule_id = $1 AND status = $2
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, ruleID, StatusActive))
}

// Activate swaps the active version for the target's rule as one
// transaction: every other active version is archived, then the target
// becomes active. Concurrent activations for the same rule serialize on
// the rules row lock; the last one to commit wins.
func (r *PostgresRepository) Activate(ctx context.Context, versionID string) (*RuleVersion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, rule_id, version_number, content, status, created_by, changelog, created_at, updated_at
		FROM rule_versions
		WHERE id = $1
	`
	version, err := r.scanOne(tx.QueryRowContext(ctx, query, versionID))
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, pkgerrors.ErrNotFound.WithDetail("version_id", versionID)
	}

	var ruleID string
	err = tx.QueryRowContext(ctx,
		`SELECT rule_id FROM rules WHERE rule_id = $1 FOR UPDATE`, version.RuleID,
	).Scan(&ruleID)
	if err != nil {
		return nil, r.classifyLockError(err, "activate")
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE rule_versions SET status = $1, updated_at = $2 WHERE rule_id = $3 AND status = $4 AND id <> $5`,
		StatusArchived, now, version.RuleID, StatusActive, versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to archive prior active version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE rule_versions SET status = $1, updated_at = $2 WHERE id = $3`,
		StatusActive, now, versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to activate version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, r.classifyLockError(err, "activate")
	}

	version.Status = StatusActive
	version.UpdatedAt = now
	return version, nil
}

func (r *PostgresRepository) DeleteVersions(ctx context.Context, ruleID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rule_versions WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete versions: %w", err)
	}
	return nil
}

func (r *PostgresRepository) setLockTimeout(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}
	return nil
}

// classifyLockError maps postgres lock_not_available (55P03) onto the
// CONTENTION error so callers can retry with backoff.
func (r *PostgresRepository) classifyLockError(err error, operation string) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "55P03" {
		return contentionError(err, operation)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contentionError(err, operation)
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*RuleVersion, error) {
	var v RuleVersion
	var content []byte
	err := row.Scan(
		&v.ID, &v.RuleID, &v.VersionNumber, &content,
		&v.Status, &v.CreatedBy, &v.Changelog, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	v.Content = content
	return &v, nil
}
