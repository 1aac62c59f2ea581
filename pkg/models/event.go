package models

import (
	"time"
)

const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionActivate = "activate"
	ActionArchive  = "archive"
)

const (
	EventTypeRuleChanged    = "rule.changed"
	EventTypeVersionChanged = "rule_version.changed"
)

// ChangeEvent announces a committed change to a rule or one of its versions.
// Consumers use it to drop cached policy content for the affected rule.
type ChangeEvent struct {
	ID            string                 `json:"id"`
	EventType     string                 `json:"event_type"`
	RuleID        string                 `json:"rule_id"`
	VersionID     string                 `json:"version_id,omitempty"`
	VersionNumber int                    `json:"version_number,omitempty"`
	Action        string                 `json:"action"`
	ChangedBy     string                 `json:"changed_by"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
