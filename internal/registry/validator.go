package registry

import (
	"fmt"
	"strings"
)

const maxIdentifierLength = 255

func ValidateCreateRule(req CreateRuleRequest) error {
	if strings.TrimSpace(req.RuleID) == "" {
		return fmt.Errorf("rule_id is required")
	}
	if len(req.RuleID) > maxIdentifierLength {
		return fmt.Errorf("rule_id must be at most %d characters", maxIdentifierLength)
	}
	if strings.TrimSpace(req.Ruleset) == "" {
		return fmt.Errorf("ruleset is required")
	}
	if len(req.Ruleset) > maxIdentifierLength {
		return fmt.Errorf("ruleset must be at most %d characters", maxIdentifierLength)
	}
	if req.Status != "" && !ValidStatus(req.Status) {
		return fmt.Errorf("status must be one of: active, inactive, archived")
	}
	return nil
}
