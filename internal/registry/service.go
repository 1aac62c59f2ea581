package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"verdict/internal/audit"
	"verdict/internal/broker"
	"verdict/internal/constants"
	pkgerrors "verdict/pkg/errors"
	"verdict/pkg/logging"
	"verdict/pkg/metrics"
	"verdict/pkg/models"
)

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error)
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, ruleset string) ([]Rule, error)
	ListActive(ctx context.Context) ([]Rule, error)
	UpdateStatus(ctx context.Context, ruleID string, req UpdateRuleStatusRequest) (*Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error
}

// VersionPurger removes all versions owned by a rule. Purging runs only
// after the rule row is gone, so a failed rule delete never strands a
// rule without its versions. The postgres schema cascades on delete and
// the purge is a no-op there; it keeps the memory repository identical.
type VersionPurger interface {
	DeleteVersions(ctx context.Context, ruleID string) error
}

type ContentInvalidator interface {
	Invalidate(ctx context.Context, ruleID string) error
}

type service struct {
	repo        Repository
	auditRepo   audit.Repository
	purger      VersionPurger
	invalidator ContentInvalidator
	producer    broker.Producer
	eventTopic  string
}

type ServiceOption func(*service)

func WithAudit(auditRepo audit.Repository) ServiceOption {
	return func(s *service) {
		s.auditRepo = auditRepo
	}
}

func WithVersionPurger(purger VersionPurger) ServiceOption {
	return func(s *service) {
		s.purger = purger
	}
}

func WithInvalidator(invalidator ContentInvalidator) ServiceOption {
	return func(s *service) {
		s.invalidator = invalidator
	}
}

func WithChangeEvents(producer broker.Producer, topic string) ServiceOption {
	return func(s *service) {
		s.producer = producer
		s.eventTopic = topic
	}
}

func NewService(repo Repository, opts ...ServiceOption) Service {
	s := &service{repo: repo}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error) {
	if err := ValidateCreateRule(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	status := req.Status
	if status == "" {
		status = StatusActive
	}

	rule := &Rule{
		RuleID:  req.RuleID,
		Ruleset: req.Ruleset,
		Status:  status,
	}

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.recordAudit(ctx, rule.RuleID, models.ActionCreate, nil, ruleToMap(rule))
	s.publishChangeEvent(ctx, models.ActionCreate, rule.RuleID)
	s.refreshActiveGauge(ctx)

	return rule, nil
}

func (s *service) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	rule, err := s.repo.GetRule(ctx, ruleID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	if rule == nil {
		return nil, pkgerrors.ErrNotFound.WithDetail("rule_id", ruleID)
	}
	return rule, nil
}

func (s *service) ListRules(ctx context.Context, ruleset string) ([]Rule, error) {
	rules, err := s.repo.ListRules(ctx, ruleset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return rules, nil
}

func (s *service) ListActive(ctx context.Context) ([]Rule, error) {
	rules, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return rules, nil
}

func (s *service) UpdateStatus(ctx context.Context, ruleID string, req UpdateRuleStatusRequest) (*Rule, error) {
	if !ValidStatus(req.Status) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "status must be one of: active, inactive, archived")
	}

	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	oldValue := ruleToMap(rule)

	if err := s.repo.UpdateStatus(ctx, ruleID, req.Status); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	rule.Status = req.Status
	rule.UpdatedAt = time.Now()

	s.recordAudit(ctx, ruleID, models.ActionUpdate, oldValue, ruleToMap(rule))
	s.publishChangeEvent(ctx, models.ActionUpdate, ruleID)
	s.refreshActiveGauge(ctx)

	return rule, nil
}

func (s *service) DeleteRule(ctx context.Context, ruleID string) error {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}

	oldValue := ruleToMap(rule)

	if err := s.repo.DeleteRule(ctx, ruleID); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	if s.purger != nil {
		if err := s.purger.DeleteVersions(ctx, ruleID); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
		}
	}

	if s.invalidator != nil {
		_ = s.invalidator.Invalidate(ctx, ruleID)
	}

	s.recordAudit(ctx, ruleID, models.ActionDelete, oldValue, nil)
	s.publishChangeEvent(ctx, models.ActionDelete, ruleID)
	s.refreshActiveGauge(ctx)

	return nil
}

func (s *service) recordAudit(ctx context.Context, ruleID, action string, oldValue, newValue map[string]interface{}) {
	if s.auditRepo == nil {
		return
	}
	entry := &models.AuditEntry{
		RuleID:    &ruleID,
		Action:    action,
		OldValue:  oldValue,
		NewValue:  newValue,
		ChangedBy: ChangedBy(ctx),
	}
	_ = s.auditRepo.Record(ctx, entry)
}

func (s *service) publishChangeEvent(ctx context.Context, action, ruleID string) {
	if s.producer == nil {
		return
	}
	event := models.ChangeEvent{
		ID:        uuid.New().String(),
		EventType: models.EventTypeRuleChanged,
		RuleID:    ruleID,
		Action:    action,
		ChangedBy: ChangedBy(ctx),
		Timestamp: time.Now(),
	}
	_ = s.producer.Publish(ctx, s.eventTopic, event)
}

func (s *service) refreshActiveGauge(ctx context.Context) {
	if count, err := s.repo.CountActive(ctx); err == nil {
		metrics.SetActiveRules(count)
	}
}

func ruleToMap(rule *Rule) map[string]interface{} {
	data, err := json.Marshal(rule)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ChangedBy extracts the acting user from the request context, falling
// back to the system actor for internal callers.
func ChangedBy(ctx context.Context) string {
	if userID := logging.GetUserID(ctx); userID != "" {
		return userID
	}
	return constants.SystemActor
}
