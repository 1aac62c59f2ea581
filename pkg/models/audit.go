package models

import "time"

// AuditEntry records a single administrative change to a rule or one of
// its versions.
type AuditEntry struct {
	ID        string                 `json:"id" db:"id"`
	RuleID    *string                `json:"rule_id,omitempty" db:"rule_id"`
	Action    string                 `json:"action" db:"action"`
	OldValue  map[string]interface{} `json:"old_value,omitempty" db:"old_value"`
	NewValue  map[string]interface{} `json:"new_value,omitempty" db:"new_value"`
	ChangedBy string                 `json:"changed_by" db:"changed_by"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
