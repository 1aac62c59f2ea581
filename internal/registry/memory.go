package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgerrors "verdict/pkg/errors"
)

// MemoryRepository is an in-memory Repository used by tests and by
// deployments that run without a database.
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules: make(map[string]Rule),
	}
}

func (r *MemoryRepository) CreateRule(ctx context.Context, rule *Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.RuleID]; exists {
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("rule '%s' already exists", rule.RuleID))
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	r.rules[rule.RuleID] = *rule
	return nil
}

func (r *MemoryRepository) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[ruleID]
	if !exists {
		return nil, nil
	}
	return &rule, nil
}

func (r *MemoryRepository) ListRules(ctx context.Context, ruleset string) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rules []Rule
	for _, rule := range r.rules {
		if ruleset != "" && rule.Ruleset != ruleset {
			continue
		}
		rules = append(rules, rule)
	}
	sortRules(rules)
	return rules, nil
}

func (r *MemoryRepository) ListActive(ctx context.Context) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rules []Rule
	for _, rule := range r.rules {
		if rule.Status == StatusActive {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules, nil
}

func (r *MemoryRepository) CountActive(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rule := range r.rules {
		if rule.Status == StatusActive {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, ruleID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[ruleID]
	if !exists {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", ruleID)
	}

	rule.Status = status
	rule.UpdatedAt = time.Now()
	r.rules[ruleID] = rule
	return nil
}

func (r *MemoryRepository) DeleteRule(ctx context.Context, ruleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[ruleID]; !exists {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", ruleID)
	}

	delete(r.rules, ruleID)
	return nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].RuleID < rules[j].RuleID
	})
}
