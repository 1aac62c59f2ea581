package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"verdict/internal/constants"
	"verdict/pkg/models"
)

type Repository interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, ruleID *string, limit int) ([]models.AuditEntry, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now()

	oldValue, err := marshalValue(entry.OldValue)
	if err != nil {
		return fmt.Errorf("failed to marshal old value: %w", err)
	}
	newValue, err := marshalValue(entry.NewValue)
	if err != nil {
		return fmt.Errorf("failed to marshal new value: %w", err)
	}

	query := `
		INSERT INTO audit_log (id, rule_id, action, old_value, new_value, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.RuleID, entry.Action,
		oldValue, newValue, entry.ChangedBy, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	return nil
}

func (r *PostgresRepository) List(ctx context.Context, ruleID *string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}

	query := `
		SELECT id, rule_id, action, old_value, new_value, changed_by, created_at
		FROM audit_log
	`
	args := []interface{}{}
	if ruleID != nil {
		query += ` WHERE rule_id = $1`
		args = append(args, *ruleID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var oldValue, newValue []byte
		if err := rows.Scan(
			&entry.ID, &entry.RuleID, &entry.Action,
			&oldValue, &newValue, &entry.ChangedBy, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(oldValue) > 0 {
			_ = json.Unmarshal(oldValue, &entry.OldValue)
		}
		if len(newValue) > 0 {
			_ = json.Unmarshal(newValue, &entry.NewValue)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func marshalValue(value map[string]interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}
