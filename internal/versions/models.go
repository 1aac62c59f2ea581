package versions

import (
	"encoding/json"
	"time"
)

const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusArchived = "archived"
)

// RuleVersion is one numbered revision of a rule's policy content.
// VersionNumber is assigned at creation and never mutated; at most one
// version per rule holds StatusActive at any instant.
type RuleVersion struct {
	ID            string          `json:"id" db:"id"`
	RuleID        string          `json:"rule_id" db:"rule_id"`
	VersionNumber int             `json:"version_number" db:"version_number"`
	Content       json.RawMessage `json:"content" db:"content"`
	Status        string          `json:"status" db:"status"`
	CreatedBy     string          `json:"created_by" db:"created_by"`
	Changelog     string          `json:"changelog" db:"changelog"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

type CreateVersionRequest struct {
	Content   json.RawMessage `json:"content" binding:"required"`
	CreatedBy string          `json:"created_by" binding:"required"`
	Changelog string          `json:"changelog"`
	Activate  bool            `json:"activate"`
}
