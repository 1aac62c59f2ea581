package registry

import "time"

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
)

// Rule is the identity record for a named rule. Its versions live in the
// version store; Status here governs whether the rule participates in
// evaluation lookups at all.
type Rule struct {
	RuleID    string    `json:"rule_id" db:"rule_id"`
	Ruleset   string    `json:"ruleset" db:"ruleset"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CreateRuleRequest struct {
	RuleID  string `json:"rule_id" binding:"required"`
	Ruleset string `json:"ruleset" binding:"required"`
	Status  string `json:"status"`
}

type UpdateRuleStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func ValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}
